package sources

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

// decoded is channel 0 of a file, scaled to [-1, 1].
type decoded struct {
	samples    []float32
	sampleRate int
	channels   int
	bitDepth   int
}

func decodeFile(path string) (decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return decoded{}, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryFileIO).
			FileContext(path).
			Build()
	}
	defer func() { _ = f.Close() }()

	var d decoded
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		d, err = decodeWAV(f)
	case ".flac":
		d, err = decodeFLAC(f)
	default:
		return decoded{}, errors.Newf("unsupported audio file type %q", ext).
			Component(componentSources).
			Category(errors.CategoryValidation).
			FileContext(path).
			Build()
	}
	if err != nil {
		return decoded{}, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			FileContext(path).
			Context("operation", "decode").
			Build()
	}
	return d, nil
}

func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768, nil
	case 24:
		return 8388608, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, errors.Newf("unsupported bit depth %d", bitDepth).
			Component(componentSources).
			Category(errors.CategoryValidation).
			Build()
	}
}

func decodeWAV(r io.ReadSeeker) (decoded, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return decoded{}, errors.NewStd("input is not a valid WAV file")
	}

	bitDepth := int(dec.BitDepth)
	divisor, err := sampleDivisor(bitDepth)
	if err != nil {
		return decoded{}, err
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		return decoded{}, errors.NewStd("WAV file declares no channels")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return decoded{}, err
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(buf.Data[i*channels]) / divisor
	}
	return decoded{samples: out, sampleRate: int(dec.SampleRate), channels: channels, bitDepth: bitDepth}, nil
}

func decodeFLAC(r io.Reader) (decoded, error) {
	dec, err := flac.NewDecoder(r)
	if err != nil {
		return decoded{}, err
	}

	divisor, err := sampleDivisor(dec.BitsPerSample)
	if err != nil {
		return decoded{}, err
	}
	bytesPerSample := dec.BitsPerSample / 8
	stride := bytesPerSample * dec.NChannels

	out := make([]float32, 0, max(int(dec.TotalSamples), 0))
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return decoded{}, err
		}
		for i := 0; i+bytesPerSample <= len(frame); i += stride {
			var v int32
			switch dec.BitsPerSample {
			case 16:
				v = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
			case 24:
				v = int32(frame[i]) | int32(frame[i+1])<<8 | int32(frame[i+2])<<16
				if v&0x800000 != 0 {
					v |= ^0xffffff
				}
			case 32:
				v = int32(binary.LittleEndian.Uint32(frame[i:]))
			}
			out = append(out, float32(v)/divisor)
		}
	}
	return decoded{samples: out, sampleRate: dec.SampleRate, channels: dec.NChannels, bitDepth: dec.BitsPerSample}, nil
}
