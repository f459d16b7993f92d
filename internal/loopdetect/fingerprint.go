package loopdetect

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// sketchSize bounds how many word hashes a fingerprint keeps.
const sketchSize = 48

// wordKey separates loop fingerprints from any other BLAKE3 use.
var wordKey = [32]byte{
	'a', 'g', 'o', 'r', 'a', '.', 'l', 'o', 'o', 'p', '.', 'w', 'o', 'r', 'd', 's',
}

// Fingerprint returns a bottom-k sketch of the distinct words of text:
// the smallest sketchSize keyed word hashes, ascending, hex encoded.
// Texts that normalise to the same words produce the same fingerprint.
func Fingerprint(text string) string {
	words := normalize(text)
	hashes := make([]uint64, 0, len(words))
	for _, w := range words {
		hashes = append(hashes, wordHash(w))
	}
	slices.Sort(hashes)
	hashes = slices.Compact(hashes)
	if len(hashes) > sketchSize {
		hashes = hashes[:sketchSize]
	}

	raw := make([]byte, 8*len(hashes))
	for i, h := range hashes {
		binary.BigEndian.PutUint64(raw[8*i:], h)
	}
	return hex.EncodeToString(raw)
}

// Similarity estimates the Jaccard similarity of the word sets behind
// two fingerprints. It is exact for texts under sketchSize distinct
// words. Empty or malformed input compares as 0.
func Similarity(a string, b string) float64 {
	x, okA := decode(a)
	y, okB := decode(b)
	if !okA || !okB || len(x) == 0 || len(y) == 0 {
		return 0
	}

	union := make([]uint64, 0, len(x)+len(y))
	union = append(union, x...)
	union = append(union, y...)
	slices.Sort(union)
	union = slices.Compact(union)
	if len(x) == sketchSize || len(y) == sketchSize {
		union = union[:min(len(union), sketchSize)]
	}

	shared := 0
	for _, h := range union {
		_, inX := slices.BinarySearch(x, h)
		_, inY := slices.BinarySearch(y, h)
		if inX && inY {
			shared++
		}
	}
	return float64(shared) / float64(len(union))
}

func decode(fp string) ([]uint64, bool) {
	raw, err := hex.DecodeString(fp)
	if err != nil || len(raw)%8 != 0 {
		return nil, false
	}
	out := make([]uint64, len(raw)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(raw[8*i:])
	}
	if !slices.IsSorted(out) {
		return nil, false
	}
	return out, true
}

func normalize(text string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Fields(b.String())
}

func wordHash(word string) uint64 {
	hasher, err := blake3.NewKeyed(wordKey[:])
	if err != nil {
		panic("loopdetect: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(word))
	return binary.BigEndian.Uint64(hasher.Sum(nil)[:8])
}
