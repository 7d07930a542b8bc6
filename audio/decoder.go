package audio

import (
	"fmt"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/ogg"
)

// frameSamples sizes the decode buffer; Opus frames on this stream are at
// most 40ms at 48kHz.
const frameSamples = 1920

// Decoder decodes batches of Ogg/Opus pages to PCM.
//
// A Decoder keeps codec state between packets of one logical stream, so a
// single instance must be used for the whole session and is not safe for
// concurrent use.
type Decoder struct {
	decoder opus.Decoder
	scratch []byte
}

// NewDecoder creates a batch decoder backed by pion/opus.
func NewDecoder() *Decoder {
	logrus.WithFields(logrus.Fields{
		"function": "NewDecoder",
	}).Debug("Creating Opus batch decoder")

	return &Decoder{
		decoder: opus.NewDecoder(),
		scratch: make([]byte, frameSamples*2),
	}
}

// DecodeBatch decodes one accumulated batch.
//
// data must be the session's cached header pages followed by the
// accumulated payload pages, forming a self-contained Ogg fragment. Codec
// header pages are skipped; every audio packet is decoded and the PCM
// concatenated. The sample rate of the decoded audio is returned alongside
// the samples.
func (d *Decoder) DecodeBatch(data []byte) ([]int16, uint32, error) {
	pages := ogg.Parse(data)
	if len(pages) == 0 {
		return nil, 0, ErrEmptyBatch
	}

	var pcm []int16
	var sampleRate uint32
	var pending []byte
	decoded := 0

	for i := range pages {
		page := &pages[i]
		if page.IsCodecHeader() {
			pending = nil
			continue
		}

		packets, rest := page.Packets(pending)
		pending = rest

		for _, packet := range packets {
			if len(packet) == 0 {
				continue
			}
			bandwidth, isStereo, err := d.decoder.Decode(packet, d.scratch)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "DecodeBatch",
					"page_seq":    page.SequenceNumber,
					"packet_size": len(packet),
					"error":       err.Error(),
				}).Warn("Opus packet decode failed")
				return nil, 0, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
			}

			sampleRate = uint32(bandwidth.SampleRate())
			samples := samplesFromBytes(d.scratch, isStereo)
			pcm = append(pcm, samples...)
			decoded++
		}
	}

	if decoded == 0 {
		return nil, 0, ErrNoAudioPackets
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DecodeBatch",
		"batch_size":  len(data),
		"pages":       len(pages),
		"packets":     decoded,
		"pcm_samples": len(pcm),
		"sample_rate": sampleRate,
	}).Trace("Decode batch completed")

	return pcm, sampleRate, nil
}

// samplesFromBytes converts the decoder's little-endian output buffer to
// int16 samples, downmixing stereo to mono.
func samplesFromBytes(out []byte, isStereo bool) []int16 {
	sampleCount := len(out) / 2
	if isStereo {
		sampleCount /= 2
	}
	samples := make([]int16, sampleCount)
	if isStereo {
		for i := 0; i < sampleCount; i++ {
			left := int16(out[i*4]) | int16(out[i*4+1])<<8
			right := int16(out[i*4+2]) | int16(out[i*4+3])<<8
			samples[i] = int16((int32(left) + int32(right)) / 2)
		}
		return samples
	}
	for i := 0; i < sampleCount; i++ {
		samples[i] = int16(out[i*2]) | int16(out[i*2+1])<<8
	}
	return samples
}
