package multinet

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/xfrmnl"
)

// SelectMode socket 选网方式
type SelectMode int

const (
	// SelectByMark 通过 SO_MARK 打上 netid，由 fwmark 规则选表
	SelectByMark SelectMode = iota
	// SelectByDevice 通过 SO_BINDTODEVICE 绑定网络的 TUN 设备
	SelectByDevice
)

func controlFd(conn syscall.Conn, fn func(fd int) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("获取 SyscallConn 失败: %w", err)
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	}); err != nil {
		return fmt.Errorf("Control 调用失败: %w", err)
	}
	return opErr
}

// BindSocketToNetwork 把 socket 绑定到某个测试网络。
// mark 方式不限定设备，设备方式不打 mark；两者路由结果一致。
func BindSocketToNetwork(conn syscall.Conn, netid int, ifname string, mode SelectMode) error {
	return controlFd(conn, func(fd int) error {
		switch mode {
		case SelectByMark:
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, netid); err != nil {
				return fmt.Errorf("设置 SO_MARK=%d 失败: %w", netid, err)
			}
		case SelectByDevice:
			if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
				return fmt.Errorf("绑定设备 %s 失败: %w", ifname, err)
			}
		default:
			return fmt.Errorf("未知的选网方式: %d", mode)
		}
		return nil
	})
}

// ClearSocketNetwork 解除 SO_MARK 选网（mark 归零）
func ClearSocketNetwork(conn syscall.Conn) error {
	return controlFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, 0)
	})
}

// NewUDPEncapSocket 创建一个开启 ESP-in-UDP 解封装的 UDP socket。
// network 取 "udp4" 或 "udp6"，laddr 为空则由内核分配端口。
func NewUDPEncapSocket(network, laddr string) (*net.UDPConn, int, error) {
	addr, err := net.ResolveUDPAddr(network, laddr)
	if err != nil {
		return nil, 0, fmt.Errorf("解析本地地址失败: %w", err)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("监听 UDP 失败: %w", err)
	}
	if err := controlFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, xfrmnl.SolUDP, xfrmnl.OptUDPEncap, xfrmnl.UDPEncapESPInUDP)
	}); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("设置 UDP_ENCAP 失败: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return conn, port, nil
}

// SendDatagram 直接 sendto 发送一个数据报。
// 不经过运行时的 netpoll 重试，内核拒绝 (EAGAIN/ENETUNREACH 等) 原样返回，
// 这是断言"策略阻断发送"和"无路由"场景的唯一可靠方式。
func SendDatagram(conn syscall.Conn, payload []byte, dst *net.UDPAddr) error {
	return controlFd(conn, func(fd int) error {
		if ip4 := dst.IP.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: dst.Port}
			copy(sa.Addr[:], ip4)
			return unix.Sendto(fd, payload, 0, sa)
		}
		sa := &unix.SockaddrInet6{Port: dst.Port}
		copy(sa.Addr[:], dst.IP.To16())
		return unix.Sendto(fd, payload, 0, sa)
	})
}

// RecvWithTimeout 带超时读取一个 UDP 数据报。
// 超时不是错误：返回 (nil, nil, nil)，语义为"这段时间内没有数据"。
func RecvWithTimeout(conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, fmt.Errorf("设置读超时失败: %w", err)
	}
	buf := make([]byte, captureBufSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return buf[:n], from, nil
}
