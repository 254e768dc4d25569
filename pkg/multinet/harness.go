package multinet

import (
	"fmt"
	"math/rand"
	"net"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/logger"
	"github.com/iniwex5/xfrmkit/pkg/xfrmnl"
)

// 多网络测试环境：每个 netid 对应一块 TUN 设备、一张路由表和一组
// fwmark/oif 策略路由规则。socket 通过 SO_MARK 或 SO_BINDTODEVICE
// 选网后，发出的包从对应 TUN 设备冒出来，被后台捕获进 FIFO；
// 向 TUN 写入则模拟该网络收到来自远端的包。netid 同时充当 fwmark
// 和 XFRM output-mark 的值。

// DefaultNetIDs 默认创建的测试网络
var DefaultNetIDs = []int{100, 150, 200, 250}

// Options 测试环境参数
type Options struct {
	// NetIDs 要创建的网络；为空使用 DefaultNetIDs
	NetIDs []int
	// XFRM 可选的 XFRM 连接；Teardown 时清空 SAD/SPD
	XFRM *xfrmnl.Conn
}

// Network 一个测试网络
type Network struct {
	ID     int
	Ifname string

	tun    *TunDevice
	reader *captureReader
	txn    *NetTxn
}

// Harness 多网络测试环境
type Harness struct {
	nets map[int]*Network
	ids  []int
	xfrm *xfrmnl.Conn
	txn  *NetTxn // 全局 sysctl 等跨网络配置
	log  *zap.Logger
}

// NewHarness 搭建全部测试网络。任一步失败会撤销已生效的配置。
func NewHarness(opts Options) (*Harness, error) {
	ids := opts.NetIDs
	if len(ids) == 0 {
		ids = DefaultNetIDs
	}
	h := &Harness{
		nets: make(map[int]*Network, len(ids)),
		xfrm: opts.XFRM,
		log:  logger.Named("multinet"),
	}

	nt := NewNetTools()
	h.txn = nt.Begin()
	if err := h.txn.SetSysctl("net/ipv4/conf/all/rp_filter", "0"); err != nil {
		return nil, multierr.Append(err, h.Teardown())
	}
	if err := h.txn.SetSysctl("net/ipv4/conf/default/rp_filter", "0"); err != nil {
		return nil, multierr.Append(err, h.Teardown())
	}

	for _, id := range ids {
		netw, err := h.setupNetwork(nt, id)
		if err != nil {
			return nil, multierr.Append(err, h.Teardown())
		}
		h.nets[id] = netw
		h.ids = append(h.ids, id)
	}
	h.log.Info("测试网络就绪", zap.Ints("netids", h.ids))
	return h, nil
}

func (h *Harness) setupNetwork(nt *NetTools, netid int) (*Network, error) {
	if netid <= 0 || netid > 255 {
		return nil, fmt.Errorf("netid %d 超出范围 (1-255)", netid)
	}
	ifname := fmt.Sprintf("nettest%d", netid)
	tun, err := NewTunDevice(ifname)
	if err != nil {
		return nil, err
	}

	netw := &Network{ID: netid, Ifname: tun.Name, tun: tun}
	tx := nt.Begin()
	netw.txn = tx

	steps := []func() error{
		func() error { return tx.SetLinkUp(tun.Name) },
		func() error { return tx.AddAddress(tun.Name, fmt.Sprintf("%s/24", myV4Addr(netid))) },
		func() error { return tx.AddAddress(tun.Name, fmt.Sprintf("%s/64", myV6Addr(netid))) },
		func() error { return tx.AddTableRoute(unix.AF_INET, tun.Name, netid) },
		func() error { return tx.AddTableRoute(unix.AF_INET6, tun.Name, netid) },
		func() error { return tx.AddMarkRule(unix.AF_INET, uint32(netid), netid, netid) },
		func() error { return tx.AddMarkRule(unix.AF_INET6, uint32(netid), netid, netid) },
		func() error { return tx.AddOifRule(unix.AF_INET, tun.Name, netid, 1000+netid) },
		func() error { return tx.AddOifRule(unix.AF_INET6, tun.Name, netid, 1000+netid) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			err = multierr.Append(err, tx.Rollback())
			tun.Close()
			return nil, err
		}
	}

	netw.reader = newCaptureReader(tun)
	h.log.Debug("网络已创建",
		zap.Int("netid", netid),
		zap.String("dev", tun.Name))
	return netw, nil
}

func myV4Addr(netid int) net.IP {
	return net.IPv4(10, 0, byte(netid), 1)
}

func myV6Addr(netid int) net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, net.ParseIP("2001:db8::"))
	ip[7] = byte(netid)
	ip[15] = 1
	return ip
}

// NetIDs 全部网络的 netid
func (h *Harness) NetIDs() []int {
	return append([]int(nil), h.ids...)
}

// Network 按 netid 取网络；不存在时 panic（调用方传错属编程错误）
func (h *Harness) Network(netid int) *Network {
	netw, ok := h.nets[netid]
	if !ok {
		panic(fmt.Sprintf("netid %d 不存在", netid))
	}
	return netw
}

// RandomNetwork 随机挑一个网络，可排除若干 netid
func (h *Harness) RandomNetwork(exclude ...int) int {
	excluded := make(map[int]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var candidates []int
	for _, id := range h.ids {
		if !excluded[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		panic("没有可选网络")
	}
	return candidates[rand.Intn(len(candidates))]
}

// OtherNetwork 返回与 netid 不同的任一网络
func (h *Harness) OtherNetwork(netid int) int {
	return h.RandomNetwork(netid)
}

// MyAddress 返回 netid 网络上的本端地址
func (h *Harness) MyAddress(version, netid int) net.IP {
	if version == 4 {
		return myV4Addr(netid)
	}
	return myV6Addr(netid)
}

// SelectNetwork 把 socket 绑定到 netid 网络
func (h *Harness) SelectNetwork(conn syscall.Conn, netid int, mode SelectMode) error {
	return BindSocketToNetwork(conn, netid, h.Network(netid).Ifname, mode)
}

// InjectPacket 向 netid 网络注入一个"来自远端"的数据包
func (h *Harness) InjectPacket(netid int, raw []byte) error {
	netw := h.Network(netid)
	if _, err := netw.tun.Write(raw); err != nil {
		return fmt.Errorf("向 %s 注入数据包失败: %w", netw.Ifname, err)
	}
	return nil
}

// ReadAllPackets 取走并清空 netid 网络上已捕获的全部数据包（FIFO 顺序）
func (h *Harness) ReadAllPackets(netid int) [][]byte {
	return h.Network(netid).reader.drain()
}

// Teardown 逆序拆除全部配置：撤销网络配置、停捕获、清空 SAD/SPD。
// TUN 设备随 fd 关闭自动消失。所有错误聚合后一并返回。
func (h *Harness) Teardown() error {
	var err error
	for i := len(h.ids) - 1; i >= 0; i-- {
		netw := h.nets[h.ids[i]]
		err = multierr.Append(err, netw.txn.Rollback())
		if netw.reader != nil {
			netw.reader.stop()
		} else if netw.tun != nil {
			netw.tun.Close()
		}
		delete(h.nets, netw.ID)
	}
	h.ids = nil
	if h.txn != nil {
		err = multierr.Append(err, h.txn.Rollback())
	}
	if h.xfrm != nil {
		err = multierr.Append(err, h.xfrm.FlushSA())
		err = multierr.Append(err, h.xfrm.FlushPolicy())
	}
	return err
}
