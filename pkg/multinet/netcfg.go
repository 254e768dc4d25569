package multinet

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetTools 封装网络配置操作（使用 vishvananda/netlink）
type NetTools struct{}

// NewNetTools 创建 NetTools 实例
func NewNetTools() *NetTools {
	return &NetTools{}
}

// NetToolError 封装网络操作错误
type NetToolError struct {
	Op   string // 操作描述
	Args string // 参数信息
	Err  error  // 底层错误
}

func (e *NetToolError) Error() string {
	if e.Args == "" {
		return fmt.Sprintf("%s 失败: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s 失败: %v", e.Op, e.Args, e.Err)
}

func (e *NetToolError) Unwrap() error { return e.Err }

// wrapErr 封装错误
func wrapErr(op, args string, err error) error {
	if err == nil {
		return nil
	}
	return &NetToolError{Op: op, Args: args, Err: err}
}

// getLink 根据接口名获取 Link 对象
func getLink(iface string) (netlink.Link, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("获取接口 %s 失败: %v", iface, err)
	}
	return link, nil
}

// SetLinkUp 启用网络接口
func (n *NetTools) SetLinkUp(iface string) error {
	link, err := getLink(iface)
	if err != nil {
		return wrapErr("link set up", iface, err)
	}
	return wrapErr("link set up", iface, netlink.LinkSetUp(link))
}

// SetLinkDown 禁用网络接口
func (n *NetTools) SetLinkDown(iface string) error {
	link, err := getLink(iface)
	if err != nil {
		return wrapErr("link set down", iface, err)
	}
	return wrapErr("link set down", iface, netlink.LinkSetDown(link))
}

// DeleteLink 删除网络设备（如 TUN）
func (n *NetTools) DeleteLink(iface string) error {
	link, err := getLink(iface)
	if err != nil {
		return wrapErr("link del", iface, err)
	}
	return wrapErr("link del", iface, netlink.LinkDel(link))
}

// AddAddress 添加地址（例如 "10.0.100.1/24" 或 "2001:db8::1/64"）。
// IPv6 地址禁用 DAD 并带重试：设备刚创建时内核可能尚未就绪。
func (n *NetTools) AddAddress(iface string, cidr string) error {
	link, err := getLink(iface)
	if err != nil {
		return wrapErr("addr add", fmt.Sprintf("%s dev %s", cidr, iface), err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return wrapErr("addr add", fmt.Sprintf("%s dev %s", cidr, iface), fmt.Errorf("解析地址失败: %v", err))
	}
	if addr.IP.To4() == nil {
		addr.Flags |= unix.IFA_F_NODAD
		var lastErr error
		for i := 0; i < 5; i++ {
			if lastErr = netlink.AddrAdd(link, addr); lastErr == nil {
				return nil
			}
			if i < 4 {
				time.Sleep(80 * time.Millisecond)
			}
		}
		return wrapErr("addr add", fmt.Sprintf("%s dev %s", cidr, iface), lastErr)
	}
	return wrapErr("addr add", fmt.Sprintf("%s dev %s", cidr, iface), netlink.AddrAdd(link, addr))
}

// DelAddress 删除地址
func (n *NetTools) DelAddress(iface string, cidr string) error {
	link, err := getLink(iface)
	if err != nil {
		return wrapErr("addr del", fmt.Sprintf("%s dev %s", cidr, iface), err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return wrapErr("addr del", fmt.Sprintf("%s dev %s", cidr, iface), fmt.Errorf("解析地址失败: %v", err))
	}
	return wrapErr("addr del", fmt.Sprintf("%s dev %s", cidr, iface), netlink.AddrDel(link, addr))
}

func defaultDst(family int) *net.IPNet {
	if family == unix.AF_INET {
		return &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}
	}
	return &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
}

func tableRoute(family int, iface string, table int) (*netlink.Route, error) {
	link, err := getLink(iface)
	if err != nil {
		return nil, err
	}
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       defaultDst(family),
		Table:     table,
		Scope:     netlink.SCOPE_LINK,
	}, nil
}

// AddTableRoute 在指定路由表中添加经由 iface 的默认路由
func (n *NetTools) AddTableRoute(family int, iface string, table int) error {
	args := fmt.Sprintf("default dev %s table %d", iface, table)
	route, err := tableRoute(family, iface, table)
	if err != nil {
		return wrapErr("route add", args, err)
	}
	return wrapErr("route add", args, netlink.RouteAdd(route))
}

// DelTableRoute 删除指定路由表中的默认路由
func (n *NetTools) DelTableRoute(family int, iface string, table int) error {
	args := fmt.Sprintf("default dev %s table %d", iface, table)
	route, err := tableRoute(family, iface, table)
	if err != nil {
		return wrapErr("route del", args, err)
	}
	return wrapErr("route del", args, netlink.RouteDel(route))
}

func markRule(family int, mark uint32, table, prio int) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = family
	rule.Mark = mark
	rule.Table = table
	rule.Priority = prio
	return rule
}

// AddMarkRule 添加 fwmark 策略路由规则：mark 值选中对应的表
func (n *NetTools) AddMarkRule(family int, mark uint32, table, prio int) error {
	args := fmt.Sprintf("fwmark 0x%x table %d", mark, table)
	return wrapErr("rule add", args, netlink.RuleAdd(markRule(family, mark, table, prio)))
}

// DelMarkRule 删除 fwmark 规则
func (n *NetTools) DelMarkRule(family int, mark uint32, table, prio int) error {
	args := fmt.Sprintf("fwmark 0x%x table %d", mark, table)
	return wrapErr("rule del", args, netlink.RuleDel(markRule(family, mark, table, prio)))
}

func oifRule(family int, iface string, table, prio int) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = family
	rule.OifName = iface
	rule.Table = table
	rule.Priority = prio
	return rule
}

// AddOifRule 添加出接口策略路由规则，支撑 SO_BINDTODEVICE 方式选网
func (n *NetTools) AddOifRule(family int, iface string, table, prio int) error {
	args := fmt.Sprintf("oif %s table %d", iface, table)
	return wrapErr("rule add", args, netlink.RuleAdd(oifRule(family, iface, table, prio)))
}

// DelOifRule 删除出接口规则
func (n *NetTools) DelOifRule(family int, iface string, table, prio int) error {
	args := fmt.Sprintf("oif %s table %d", iface, table)
	return wrapErr("rule del", args, netlink.RuleDel(oifRule(family, iface, table, prio)))
}

// SetSysctl 写 /proc/sys 下的内核参数，返回旧值供恢复
func (n *NetTools) SetSysctl(name, value string) (string, error) {
	path := "/proc/sys/" + name
	old, err := os.ReadFile(path)
	if err != nil {
		return "", wrapErr("sysctl read", name, err)
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return "", wrapErr("sysctl write", fmt.Sprintf("%s=%s", name, value), err)
	}
	return string(old), nil
}
