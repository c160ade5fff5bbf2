package tunnel

import (
	"io"
	"net"
	"sync"

	"shellbridge/internal/metrics"
	"shellbridge/util"
)

// bridgeConns shuffles data between both connections until one side
// closes, using pooled buffers.  Both connections are closed on return.
func bridgeConns(a, b net.Conn, m *metrics.Collector) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyOne := func(dst, src net.Conn) {
		defer wg.Done()
		buf := util.GetBuf()
		defer util.PutBuf(buf)
		n, _ := io.CopyBuffer(dst, src, *buf)
		m.BytesForwarded(n)
		// Half-close where supported so the peer sees EOF promptly.
		if tc, ok := dst.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
	}

	go copyOne(a, b)
	go copyOne(b, a)
	wg.Wait()

	a.Close()
	b.Close()
}
