package location

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
)

// sentenceReader extracts position fixes from a stream of NMEA sentences.
// GGA and RMC sentences from any talker are used; everything else, and
// anything that fails to parse, is skipped.
type sentenceReader struct {
	scanner *bufio.Scanner
	date    nmea.Date // last date seen in an RMC sentence
	now     func() time.Time
	skipped int
}

func newSentenceReader(r io.Reader, now func() time.Time) *sentenceReader {
	return &sentenceReader{scanner: bufio.NewScanner(r), now: now}
}

// next returns the next valid fix. It returns io.EOF at the end of input.
func (r *sentenceReader) next(ctx context.Context) (Location, error) {
	for r.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		line := strings.TrimSpace(r.scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			r.skipped++
			continue
		}

		if loc, ok := r.locationFrom(sentence); ok {
			return loc, nil
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Location{}, err
	}
	return Location{}, io.EOF
}

func (r *sentenceReader) locationFrom(sentence nmea.Sentence) (Location, bool) {
	switch s := sentence.(type) {
	case nmea.GGA:
		if s.FixQuality == nmea.Invalid {
			return Location{}, false
		}
		return Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Accuracy:  s.HDOP, // HDOP as a proxy for accuracy
			Timestamp: r.timestamp(r.date, s.Time),
		}, true

	case nmea.RMC:
		if s.Date.Valid {
			r.date = s.Date
		}
		if s.Validity != nmea.ValidRMC {
			return Location{}, false
		}
		return Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Timestamp: r.timestamp(s.Date, s.Time),
		}, true
	}
	return Location{}, false
}

// timestamp combines the sentence time with the best known date. Without a
// date the receiver's UTC day is assumed; without a time the clock is used.
func (r *sentenceReader) timestamp(d nmea.Date, t nmea.Time) time.Time {
	now := r.now().UTC()
	if !t.Valid {
		return now
	}

	year, month, day := now.Date()
	if d.Valid {
		year, month, day = 2000+d.YY, time.Month(d.MM), d.DD
	}
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
