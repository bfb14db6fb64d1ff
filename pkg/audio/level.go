package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Level is a loudness reading of the window.
// With no signal the meter is 0 and the dB value is undefined.
type Level struct {
	Meter   float64 `json:"meter"`
	DB      float64 `json:"db"`
	Defined bool    `json:"defined"`
}

func (l Level) String() string {
	if !l.Defined {
		return "--"
	}
	return fmt.Sprintf("%.0f%% %.1fdB", l.Meter, l.DB)
}

// Compute reads the bytes as interleaved 16bit LE samples
// (channels are not separated) and measures their RMS.
// The meter is clamped to 0..100, the dB value is roughly -60..-40.
func Compute(pcm []byte) Level {
	n := len(pcm) / 2
	if n == 0 {
		return Level{}
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return Level{}
	}
	v := 20 * math.Sqrt(rms/32768)
	return Level{Meter: math.Max(0, math.Min(v*100, 100)), DB: v - 60, Defined: true}
}

// PCM is a format of signed 16bit LE interleaved samples.
type PCM struct {
	Rate     int
	Channels int
}

var DefaultPCM = PCM{Rate: 48000, Channels: 2}

func (p PCM) FrameSize() int { return p.Channels * 2 }

// Bytes is the size of d of audio, a whole number of sample frames.
func (p PCM) Bytes(d time.Duration) int {
	return int(int64(p.Rate)*int64(d)/int64(time.Second)) * p.FrameSize()
}
