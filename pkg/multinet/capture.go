package multinet

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/iniwex5/xfrmkit/pkg/logger"
)

const (
	captureQueueLen = 1024 // 数据面缓冲，满则丢弃新包并计数
	captureBufSize  = 4096
)

// captureReader 把一块 TUN 设备上出现的数据包持续搬进有界 FIFO。
// 读取发生在后台 goroutine，排队顺序即设备上出现的顺序。
type captureReader struct {
	tun *TunDevice
	ch  chan []byte

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	captured uint64
	dropped  uint64
}

func newCaptureReader(tun *TunDevice) *captureReader {
	r := &captureReader{
		tun:       tun,
		ch:        make(chan []byte, captureQueueLen),
		closeChan: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r
}

func (r *captureReader) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, captureBufSize)
	for {
		n, err := r.tun.Read(buf)
		if err != nil {
			select {
			case <-r.closeChan:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					logger.Warn("TUN 读取中止",
						logger.String("dev", r.tun.Name),
						logger.Err(err))
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case r.ch <- pkt:
			atomic.AddUint64(&r.captured, 1)
		default:
			atomic.AddUint64(&r.dropped, 1)
		}
	}
}

// drain 取走并清空当前已捕获的全部数据包，保持到达顺序。
// 破坏性读取：同一批包不会被观测两次。
func (r *captureReader) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case pkt := <-r.ch:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// stop 关闭底层设备并等待读取 goroutine 退出
func (r *captureReader) stop() {
	r.closeOnce.Do(func() {
		close(r.closeChan)
		r.tun.Close()
	})
	r.wg.Wait()
}
