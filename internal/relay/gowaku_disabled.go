//go:build !real_waku

package relay

import "errors"

var ErrGoWakuUnavailable = errors.New("go-waku transport requires the real_waku build tag")

func NewGoWakuTransport(Config) TransportFactory {
	return func() (Transport, error) {
		return nil, ErrGoWakuUnavailable
	}
}
