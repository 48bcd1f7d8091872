package tokenizer

// PadID is the id written into padded positions.
const PadID int64 = 0

// Encoding is a token id sequence with a parallel attention mask.
// Mask values are 1 for real tokens and 0 for padding.
type Encoding struct {
	IDs  []int64
	Mask []int64
}

// Len returns the sequence length, padding included.
func (e Encoding) Len() int {
	return len(e.IDs)
}

// Valid returns the number of positions whose mask bit is set.
func (e Encoding) Valid() int {
	n := 0
	for _, m := range e.Mask {
		if m != 0 {
			n++
		}
	}
	return n
}

// Fit returns a copy of e that is exactly maxLength long.
//
// Longer encodings keep their first maxLength positions; everything past that
// boundary is dropped together with its mask bits. Shorter encodings are
// right-padded with PadID and a zero mask.
func (e Encoding) Fit(maxLength int) Encoding {
	if maxLength < 0 {
		maxLength = 0
	}

	out := Encoding{
		IDs:  make([]int64, maxLength),
		Mask: make([]int64, maxLength),
	}

	n := copy(out.IDs, e.IDs)
	// Positions without a mask bit stay unattended.
	copy(out.Mask, e.Mask[:min(n, len(e.Mask))])
	for i := n; i < maxLength; i++ {
		out.IDs[i] = PadID
		out.Mask[i] = 0
	}
	return out
}
