package pattern

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
)

const (
	// DefaultAlphabet is the alphabet used by DeBruijn when
	// none is specified.
	DefaultAlphabet = "abcdefghijklmnopqrstuvwxyz"

	// DefaultSubsequenceLen is the default length of the unique
	// subsequences in a DeBruijn pattern.
	DefaultSubsequenceLen = 4
)

// DeBruijn generates a pattern string using a de Bruijn sequence.
// Every subsequence of length N appears exactly once, which makes
// it possible to recover the offset of any N-byte fragment (such as
// a clobbered return address) within the pattern.
//
// With the default settings, the output matches the 'cyclic'
// function from pwntools.
type DeBruijn struct {
	// OptLogger logs the pattern string if specified.
	OptLogger *log.Logger

	// Alphabet is the set of characters used in the sequence.
	// DefaultAlphabet is used if empty.
	Alphabet string

	// N is the length of the unique subsequences.
	// DefaultSubsequenceLen is used if zero.
	N int

	seq      []byte
	pos      int
	numCalls int
}

// WriteToNOrExit calls WriteToN and calls DefaultExitFn if an error occurs.
func (o *DeBruijn) WriteToNOrExit(w io.Writer, n int) {
	err := o.WriteToN(w, n)
	if err != nil {
		DefaultExitFn(fmt.Errorf("pattern.debruijn: failed to write pattern string number %d of size %d - %w",
			o.numCalls, n, err))
	}
}

// WriteToN writes n bytes of a de Bruijn pattern string to w.
// Subsequent calls to WriteToN will resume the de Bruijn sequence.
func (o *DeBruijn) WriteToN(w io.Writer, n int) error {
	b, err := o.Pattern(n)
	if err != nil {
		return err
	}

	_, err = w.Write(b)

	return err
}

// Pattern returns the next n bytes of the sequence.
func (o *DeBruijn) Pattern(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("n is less than or equal to zero")
	}

	seq := o.sequence()

	if o.pos+n > len(seq) {
		return nil, fmt.Errorf("pattern exhausted - %d bytes remain, %d requested",
			len(seq)-o.pos, n)
	}

	b := make([]byte, n)
	copy(b, seq[o.pos:o.pos+n])
	o.pos += n

	if o.OptLogger != nil {
		o.OptLogger.Println("pattern string "+
			strconv.Itoa(o.numCalls)+":",
			string(b))
	}

	o.numCalls++

	return b, nil
}

// Offset returns the index of fragment within the full sequence.
// Only the first N bytes of the fragment are considered.
func (o *DeBruijn) Offset(fragment []byte) (int, error) {
	n := o.n()
	if len(fragment) < n {
		return -1, fmt.Errorf("fragment must be at least %d bytes - got %d", n, len(fragment))
	}

	index := bytes.Index(o.sequence(), fragment[0:n])
	if index < 0 {
		return -1, fmt.Errorf("fragment 0x%x is not in the pattern", fragment[0:n])
	}

	return index, nil
}

// Len returns the total length of the sequence.
func (o *DeBruijn) Len() int {
	return len(o.sequence())
}

func (o *DeBruijn) n() int {
	if o.N <= 0 {
		return DefaultSubsequenceLen
	}
	return o.N
}

func (o *DeBruijn) sequence() []byte {
	if o.seq != nil {
		return o.seq
	}

	alphabet := o.Alphabet
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}

	k := len(alphabet)
	n := o.n()
	a := make([]int, k*n)

	var db func(t, p int)
	db = func(t, p int) {
		if t > n {
			if n%p == 0 {
				for j := 1; j <= p; j++ {
					o.seq = append(o.seq, alphabet[a[j]])
				}
			}

			return
		}

		a[t] = a[t-p]
		db(t+1, p)

		for j := a[t-p] + 1; j < k; j++ {
			a[t] = j
			db(t+1, t)
		}
	}

	db(1, 1)

	return o.seq
}
