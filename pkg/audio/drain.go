package audio

// Collect reads ch until it is closed and returns all chunks concatenated.
func Collect(ch <-chan []byte) []byte {
	var buf []byte
	for chunk := range ch {
		buf = append(buf, chunk...)
	}
	return buf
}
