package store

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// CSVHeader is the column layout read by the offline dataset preparation.
var CSVHeader = []string{"session_id", "user_id", "route", "timestamp"}

// ExportCSV writes all visits at or after since as CSV, timestamps in unix
// milliseconds. It returns the number of rows written.
func ExportCSV(ctx context.Context, s Store, w io.Writer, since time.Time) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}
	n := 0
	err := s.Visits(ctx, since, func(v Visit) error {
		n++
		return cw.Write([]string{v.SessionID, v.UserID, v.Route, strconv.FormatInt(v.Timestamp.UnixMilli(), 10)})
	})
	if err != nil {
		return n, errors.Wrap(err, "failed to export visits")
	}
	cw.Flush()
	return n, cw.Error()
}
