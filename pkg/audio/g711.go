package audio

// G.711 companding for the narrow-band (8 kHz) codecs offered on the WebRTC
// track. Input and output PCM is 16-bit little-endian mono.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawEncode compands PCM16 samples to G.711 u-law bytes.
func MuLawEncode(pcm []byte) []byte {
	samples := Samples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = muLawEncodeSample(s)
	}
	return out
}

// MuLawDecode expands G.711 u-law bytes to PCM16.
func MuLawDecode(data []byte) []byte {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = muLawDecodeSample(b)
	}
	return Bytes(samples)
}

// ALawEncode compands PCM16 samples to G.711 A-law bytes.
func ALawEncode(pcm []byte) []byte {
	samples := Samples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = aLawEncodeSample(s)
	}
	return out
}

// ALawDecode expands G.711 A-law bytes to PCM16.
func ALawDecode(data []byte) []byte {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = aLawDecodeSample(b)
	}
	return Bytes(samples)
}

func muLawEncodeSample(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := (v >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mantissa)
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	v := ((mantissa << 3) + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

func aLawEncodeSample(s int16) byte {
	v := int(s) >> 3
	sign := 0x80
	if v < 0 {
		v = -v - 1
		sign = 0
	}
	var out int
	if v < 32 {
		out = v >> 1
	} else {
		exp := 1
		for t := v >> 5; t > 1 && exp < 7; t >>= 1 {
			exp++
		}
		out = exp<<4 | (v>>exp)&0x0F
	}
	return byte((out | sign) ^ 0x55)
}

func aLawDecodeSample(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exp := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	var v int
	if exp == 0 {
		v = mantissa<<4 + 8
	} else {
		v = (mantissa<<4 + 0x108) << (exp - 1)
	}
	if sign == 0 {
		return int16(-v)
	}
	return int16(v)
}
