package xfrmnl

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/logger"
)

// Conn 是 NETLINK_XFRM 控制面客户端。
// 每个变更操作都是一次独立的请求/应答往返，不做任何批量或重试：
// 安装与删除的先后顺序必须完全由调用方掌控（make-before-break 依赖这一点）。
// 内核返回 ack 即表示状态已可见，调用方无需额外同步。
type Conn struct {
	mu  sync.Mutex
	fd  int
	seq uint32
	log *zap.Logger
}

const nlmsgHeaderLen = 16

// Dial 打开 XFRM netlink socket
func Dial() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_XFRM)
	if err != nil {
		return nil, fmt.Errorf("打开 NETLINK_XFRM socket 失败: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("绑定 netlink socket 失败: %w", err)
	}
	return &Conn{fd: fd, log: logger.Named("xfrmnl")}, nil
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func (c *Conn) send(msgType uint16, flags uint16, payload []byte) (uint32, error) {
	c.seq++
	seq := c.seq

	msg := make([]byte, nlmsgHeaderLen+len(payload))
	native.PutUint32(msg[0:], uint32(len(msg)))
	native.PutUint16(msg[4:], msgType)
	native.PutUint16(msg[6:], flags)
	native.PutUint32(msg[8:], seq)
	// pid 留 0，由内核分配
	copy(msg[nlmsgHeaderLen:], payload)

	if err := unix.Sendto(c.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return 0, fmt.Errorf("发送 netlink 请求 (type=0x%x) 失败: %w", msgType, err)
	}
	return seq, nil
}

// nlMessage 一条已拆分的应答消息
type nlMessage struct {
	Type  uint16
	Flags uint16
	Seq   uint32
	Data  []byte
}

func (c *Conn) recv() ([]nlMessage, error) {
	buf := make([]byte, 65536)
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("读取 netlink 应答失败: %w", err)
	}
	b := buf[:n]

	var msgs []nlMessage
	for len(b) >= nlmsgHeaderLen {
		length := int(native.Uint32(b[0:]))
		if length < nlmsgHeaderLen || length > len(b) {
			return nil, fmt.Errorf("netlink 消息长度非法: %d (剩余 %d)", length, len(b))
		}
		msgs = append(msgs, nlMessage{
			Type:  native.Uint16(b[4:]),
			Flags: native.Uint16(b[6:]),
			Seq:   native.Uint32(b[8:]),
			Data:  append([]byte(nil), b[nlmsgHeaderLen:length]...),
		})
		b = b[(length+3)&^3:]
	}
	return msgs, nil
}

// errnoOf 从 NLMSG_ERROR 载荷中取出错误码。
// 内核的拒绝原因 (EEXIST/ENOENT/ESRCH/ENOSYS/...) 原样上抛，由调用方判定预期与否。
func errnoOf(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("NLMSG_ERROR 载荷截断: %d 字节", len(data))
	}
	code := int32(native.Uint32(data))
	if code == 0 {
		return nil // ack
	}
	return unix.Errno(-code)
}

// ack 发送请求并等待内核确认
func (c *Conn) ack(msgType uint16, payload []byte, extraFlags uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, err := c.send(msgType, unix.NLM_F_REQUEST|unix.NLM_F_ACK|extraFlags, payload)
	if err != nil {
		return err
	}
	for {
		msgs, err := c.recv()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Seq != seq {
				continue
			}
			if m.Type == unix.NLMSG_ERROR {
				return errnoOf(m.Data)
			}
		}
	}
}

// transact 发送请求并等待一条指定类型的应答消息（ALLOCSPI 等）
func (c *Conn) transact(msgType uint16, payload []byte, replyType uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, err := c.send(msgType, unix.NLM_F_REQUEST, payload)
	if err != nil {
		return nil, err
	}
	for {
		msgs, err := c.recv()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Seq != seq {
				continue
			}
			switch m.Type {
			case unix.NLMSG_ERROR:
				if err := errnoOf(m.Data); err != nil {
					return nil, err
				}
			case replyType:
				return m.Data, nil
			default:
				return nil, fmt.Errorf("非预期的应答类型: 0x%x (期望 0x%x)", m.Type, replyType)
			}
		}
	}
}

// dump 发送 dump 请求并收取全部记录直到 NLMSG_DONE。
// 结果是一次性的有限序列，重新观测需要再次 dump。
func (c *Conn) dump(msgType uint16, payload []byte, recordType uint16) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, err := c.send(msgType, unix.NLM_F_REQUEST|unix.NLM_F_DUMP, payload)
	if err != nil {
		return nil, err
	}
	var records [][]byte
	for {
		msgs, err := c.recv()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Seq != seq {
				continue
			}
			switch m.Type {
			case unix.NLMSG_DONE:
				return records, nil
			case unix.NLMSG_ERROR:
				if err := errnoOf(m.Data); err != nil {
					return nil, err
				}
			case recordType:
				records = append(records, m.Data)
			default:
				return nil, fmt.Errorf("dump 中出现非预期消息类型: 0x%x", m.Type)
			}
		}
	}
}
