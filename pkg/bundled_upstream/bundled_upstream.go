package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/upstream"
)

var ErrAllFailed = errors.New("all upstreams failed")

type parallelResult struct {
	r    *dns.Msg
	err  error
	from upstream.Upstream
}

// ExchangeParallel sends q to all upstreams at once. The first NOERROR
// response with answers wins. Otherwise the first response received is
// returned. q is not modified.
func ExchangeParallel(ctx context.Context, q *dns.Msg, upstreams []upstream.Upstream, logger *zap.Logger) (*dns.Msg, upstream.Upstream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := len(upstreams)
	switch t {
	case 0:
		return nil, nil, ErrAllFailed
	case 1:
		r, err := upstreams[0].ExchangeContext(ctx, q.Copy())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: [%s: %w]", ErrAllFailed, upstreams[0].Address(), err)
		}
		return r, upstreams[0], nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := make(chan *parallelResult, t)
	for _, u := range upstreams {
		qCopy := q.Copy()
		go func() {
			r, err := u.ExchangeContext(taskCtx, qCopy)
			c <- &parallelResult{r: r, err: err, from: u}
		}()
	}

	var (
		errMsgs  []string
		fallback *parallelResult
	)
	for range t {
		res := <-c
		if res.err != nil {
			if !errors.Is(res.err, context.Canceled) {
				logger.Debug("upstream exchange failed", zap.String("addr", res.from.Address()), zap.Error(res.err))
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
			}
			continue
		}
		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			return res.r, res.from, nil
		}
		if fallback == nil {
			fallback = res
		}
	}

	if fallback != nil {
		return fallback.r, fallback.from, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
}
