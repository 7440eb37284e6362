// Package corpus holds the static Quran catalogue: 114 surahs with their
// English names and verse counts, and position arithmetic over it.
//
// A Position addresses a single verse as (surah, ayah), both 1-based. The
// catalogue is finite; stepping past the final verse of the final surah yields
// the exhausted sentinel (one past the last valid position) rather than a
// wrapped position.
package corpus

import "fmt"

// Position is a (surah, ayah) coordinate into the corpus. Value type.
type Position struct {
	Surah int
	Ayah  int
}

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.Surah, p.Ayah) }

// Less reports whether p precedes q in reading order.
func (p Position) Less(q Position) bool {
	if p.Surah != q.Surah {
		return p.Surah < q.Surah
	}
	return p.Ayah < q.Ayah
}

// Surah describes one surah of the catalogue.
type Surah struct {
	Number int
	Name   string
	Ayahs  int
}

// First returns the first valid position (1:1).
func First() Position { return Position{Surah: 1, Ayah: 1} }

// Last returns the final valid position (114:6).
func Last() Position {
	last := surahs[len(surahs)-1]
	return Position{Surah: last.Number, Ayah: last.Ayahs}
}

// Exhausted returns the sentinel position one past Last().
// It is stable and safe to persist.
func Exhausted() Position { return Position{Surah: len(surahs) + 1, Ayah: 1} }

// IsExhausted reports whether p lies past the final valid position.
func IsExhausted(p Position) bool { return Last().Less(p) }

// Valid reports whether p addresses an existing verse.
func Valid(p Position) bool {
	s, ok := Meta(p.Surah)
	if !ok {
		return false
	}
	return p.Ayah >= 1 && p.Ayah <= s.Ayahs
}

// Meta returns the surah record for the given surah number.
func Meta(number int) (Surah, bool) {
	if number < 1 || number > len(surahs) {
		return Surah{}, false
	}
	return surahs[number-1], true
}

// SurahCount returns the number of surahs in the catalogue.
func SurahCount() int { return len(surahs) }

// Total returns the total verse count of the corpus.
func Total() int { return totalAyahs }

// Next returns the position following p, rolling over surah boundaries.
// ok is false when p is the last valid position (or already past it).
func Next(p Position) (Position, bool) {
	return Advance(p, 1)
}

// Advance steps n verses forward from p, crossing surah boundaries.
// ok is false when the step runs past the final verse; the returned
// position is then the exhausted sentinel.
//
// p must be a valid position and n must be >= 0; anything else is a
// programming error and panics.
func Advance(p Position, n int) (Position, bool) {
	if n < 0 {
		panic(fmt.Sprintf("corpus: negative advance %d", n))
	}
	if !Valid(p) {
		panic(fmt.Sprintf("corpus: advance from invalid position %s", p))
	}
	for n > 0 {
		s, _ := Meta(p.Surah)
		remain := s.Ayahs - p.Ayah
		if n <= remain {
			p.Ayah += n
			return p, true
		}
		n -= remain + 1
		if p.Surah == len(surahs) {
			return Exhausted(), false
		}
		p = Position{Surah: p.Surah + 1, Ayah: 1}
	}
	return p, true
}

// Span lists up to n consecutive valid positions starting at p.
// It stops early at the end of the corpus. p past the end yields nil.
func Span(p Position, n int) []Position {
	if !Valid(p) || n <= 0 {
		return nil
	}
	out := make([]Position, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p)
		next, ok := Next(p)
		if !ok {
			break
		}
		p = next
	}
	return out
}

// Completed returns how many verses precede p, i.e. the number already
// consumed by a reader whose next verse is p. The exhausted sentinel maps
// to Total().
func Completed(p Position) int {
	if p == Exhausted() {
		return totalAyahs
	}
	if !Valid(p) {
		return 0
	}
	n := 0
	for _, s := range surahs[:p.Surah-1] {
		n += s.Ayahs
	}
	return n + p.Ayah - 1
}
