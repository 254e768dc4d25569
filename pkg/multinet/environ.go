package multinet

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// 测试流量使用的远端地址。包永远不会真正离开 TUN 设备，
// 选公网锚点地址只是为了走默认路由。
var (
	RemoteV4      = net.ParseIP("8.8.8.8")
	RemoteV6      = net.ParseIP("2001:4860:4860::8888")
	OtherRemoteV4 = net.ParseIP("8.8.4.4")
	OtherRemoteV6 = net.ParseIP("2001:4860:4860::8844")
)

// Environment 运行环境探测结果
type Environment struct {
	// Kernel 内核版本 {major, minor, patch}
	Kernel [3]int
	// HaveV4 / HaveV6 对应协议栈是否可用
	HaveV4 bool
	HaveV6 bool
	// Root 是否具备配置网络所需的权限
	Root bool
	// 远端锚点地址，组件从这里取而不是各自写死
	RemoteV4, RemoteV6           net.IP
	OtherRemoteV4, OtherRemoteV6 net.IP
}

// Probe 探测当前运行环境
func Probe() (*Environment, error) {
	env := &Environment{
		Root:          os.Geteuid() == 0,
		RemoteV4:      RemoteV4,
		RemoteV6:      RemoteV6,
		OtherRemoteV4: OtherRemoteV4,
		OtherRemoteV6: OtherRemoteV6,
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname 失败: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	env.Kernel = parseKernelRelease(release)

	if fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0); err == nil {
		env.HaveV4 = true
		unix.Close(fd)
	}
	if fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0); err == nil {
		// 协议栈编译进去了不代表启用了
		if _, statErr := os.Stat("/proc/net/if_inet6"); statErr == nil {
			env.HaveV6 = true
		}
		unix.Close(fd)
	}
	return env, nil
}

func parseKernelRelease(release string) [3]int {
	var out [3]int
	// 形如 "5.10.110-android12-..."，只取前三段数字
	release, _, _ = strings.Cut(release, "-")
	parts := strings.SplitN(release, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		digits := parts[i]
		for j, r := range digits {
			if r < '0' || r > '9' {
				digits = digits[:j]
				break
			}
		}
		out[i], _ = strconv.Atoi(digits)
	}
	return out
}

// KernelAtLeast 内核版本是否不低于给定版本
func (e *Environment) KernelAtLeast(major, minor, patch int) bool {
	k, want := e.Kernel, [3]int{major, minor, patch}
	for i := 0; i < 3; i++ {
		if k[i] != want[i] {
			return k[i] > want[i]
		}
	}
	return true
}

// RemoteAddress 返回指定 IP 版本的远端锚点地址
func RemoteAddress(version int) net.IP {
	if version == 4 {
		return RemoteV4
	}
	return RemoteV6
}

// OtherRemoteAddress 返回与 RemoteAddress 不同的另一个远端地址，
// 用于构造"换对端"的场景（如隧道迁移、错误选择器）
func OtherRemoteAddress(version int) net.IP {
	if version == 4 {
		return OtherRemoteV4
	}
	return OtherRemoteV6
}
