package remote

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/fruitsalade/rmwebfs/internal/logging"
)

var errNegativeOffset = errors.New("negative offset")

// rangeStream is a download that can be repositioned by reissuing the request
// with a Range header. The underlying body is opened lazily after a Seek, and
// reopened at the current offset once when a live body fails.
type rangeStream struct {
	ctx  context.Context
	c    *Client
	id   string
	size int64

	off  int64
	body io.ReadCloser
}

func (s *rangeStream) Read(p []byte) (int, error) {
	if s.off >= s.size {
		return 0, io.EOF
	}
	for attempt := 0; ; attempt++ {
		if s.body == nil {
			body, _, err := s.c.openDownload(s.ctx, s.id, s.off)
			if err != nil {
				return 0, err
			}
			s.body = body
		}

		n, err := s.body.Read(p)
		s.off += int64(n)
		if err == nil || err == io.EOF || attempt > 0 || s.ctx.Err() != nil {
			return n, err
		}

		logging.Debug("download interrupted, reopening",
			logging.String("id", s.id),
			logging.Int64("offset", s.off),
			logging.Err(err),
		)
		s.body.Close()
		s.body = nil
		if n > 0 {
			return n, nil
		}
	}
}

func (s *rangeStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.off + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	if abs != s.off && s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.off = abs
	return abs, nil
}

func (s *rangeStream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
