package pipeline

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader throttles reads from r to bytesPerSecond using a
// token-bucket limiter on wall time (spec §4.D step 4). Not grounded in
// the retrieval pack — no example repo implements rate limiting — so
// this uses golang.org/x/time/rate, the ecosystem-standard token
// bucket, named per the out-of-pack-dependency rule rather than
// grounded on a specific file.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// newRateLimitedReader returns r unmodified when bytesPerSecond <= 0
// (no limit configured).
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	burst := bytesPerSecond
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > rl.limiter.Burst() {
		p = p[:rl.limiter.Burst()]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
