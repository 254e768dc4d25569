package xfrmnl

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// 每 socket 策略绑定：通过 IP_XFRM_POLICY / IPV6_XFRM_POLICY sockopt
// 安装独立于全局 SPD 的策略。载荷是 xfrm_userpolicy_info 紧跟一条
// xfrm_user_tmpl，等级为默认的 "require"：没有匹配 SA 时发送返回 EAGAIN。

func setPolicySockopt(conn syscall.Conn, family int, optData []byte) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("获取 SyscallConn 失败: %w", err)
	}
	level, opt := unix.SOL_IP, OptIPXfrmPolicy
	if family == unix.AF_INET6 {
		level, opt = unix.SOL_IPV6, OptIPv6XfrmPolicy
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptString(int(fd), level, opt, string(optData))
	})
	if err != nil {
		return fmt.Errorf("Control 调用失败: %w", err)
	}
	return setErr
}

// ApplySocketPolicy 在 socket 上安装一条 ESP 策略。
// tunnelSrc/tunnelDst 为 nil 时模板使用 transport 模式。
// 双栈 socket 上使用 IPv4 XFRM 时，调用方需传 AF_INET 并用 IPv4 地址表达模板。
func ApplySocketPolicy(conn syscall.Conn, family int, dir uint8, spi uint32, reqid uint32, tunnelSrc, tunnelDst net.IP) error {
	policy := NewUserPolicy(dir, EmptySelector(uint16(family)))
	tmpl := NewUserTmpl(uint16(family), spi, reqid, tunnelSrc, tunnelDst)
	optData := append(policy.Marshal(), tmpl.Marshal()...)
	if err := setPolicySockopt(conn, family, optData); err != nil {
		return fmt.Errorf("安装 socket 策略 (dir=%d spi=0x%x) 失败: %w", dir, spi, err)
	}
	return nil
}

// ClearSocketPolicy 清除 socket 上的策略；未设置过策略时同样成功
func ClearSocketPolicy(conn syscall.Conn, family int) error {
	if err := setPolicySockopt(conn, family, nil); err != nil {
		return fmt.Errorf("清除 socket 策略失败: %w", err)
	}
	return nil
}
