package audio

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// MIMEType returns the tag used on the wire, e.g. "audio/pcm;rate=16000".
// Mono is implied; other channel counts add a channels parameter.
func (f Format) MIMEType() string {
	if f.Channels > 1 {
		return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// ParseFormat parses a PCM MIME tag such as "audio/pcm;rate=24000". Missing
// parameters fall back to def. Non-PCM media types are rejected.
func ParseFormat(mime string, def Format) (Format, error) {
	parts := strings.Split(mime, ";")
	media := strings.ToLower(strings.TrimSpace(parts[0]))
	if media != "audio/pcm" && media != "audio/l16" {
		return Format{}, fmt.Errorf("audio: unsupported media type %q", media)
	}
	f := def
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return Format{}, fmt.Errorf("audio: invalid %s in %q", key, mime)
		}
		switch strings.ToLower(key) {
		case "rate":
			f.SampleRate = n
		case "channels":
			f.Channels = n
		}
	}
	return f, nil
}

// Converter reshapes little-endian int16 PCM to a target format. It logs once
// on the first format mismatch. Safe for concurrent use.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns pcm converted from src to c.Target. Matching formats are
// returned unchanged. Stereo is downmixed before resampling so only mono data
// is ever interpolated.
func (c *Converter) Convert(pcm []byte, src Format) ([]byte, error) {
	if src == c.Target {
		return pcm, nil
	}
	if src.Channels > 2 || c.Target.Channels != 1 {
		return nil, fmt.Errorf("audio: cannot convert %s to %s", src, c.Target)
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", src.String(), "to", c.Target.String())
	})
	if src.Channels == 2 {
		if len(pcm)%4 != 0 {
			return nil, fmt.Errorf("%w: %d bytes is not whole stereo frames", ErrDecode, len(pcm))
		}
		pcm = StereoToMono(pcm)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(pcm))
	}
	return ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate), nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
