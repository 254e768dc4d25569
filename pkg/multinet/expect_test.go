package multinet

import (
	"net"
	"strings"
	"testing"

	"github.com/iniwex5/xfrmkit/pkg/packet"
)

// 断言辅助的测试不触内核：直接往捕获队列里塞包

func queuedHarness(netid int, pkts ...[]byte) *Harness {
	r := &captureReader{ch: make(chan []byte, 8)}
	for _, p := range pkts {
		r.ch <- p
	}
	return &Harness{
		nets: map[int]*Network{netid: {ID: netid, Ifname: "queue0", reader: r}},
		ids:  []int{netid},
	}
}

// TestExpectPacket 归一化判等、空队列、多包和字节不符四条路径
func TestExpectPacket(t *testing.T) {
	want, err := packet.BuildUDP(4, net.ParseIP("10.0.100.1"), net.ParseIP("8.8.8.8"),
		40000, 53, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}

	// 内核改写过 Id/DF/TTL/校验和的捕获包，归一化后仍判等价
	captured := append([]byte(nil), want...)
	captured[4], captured[5] = 0xab, 0xcd
	captured[6] = 0x40
	captured[8] = 57
	captured[10], captured[11] = 0, 0
	h := queuedHarness(100, captured)
	if err := h.ExpectPacket(100, want, "等价包"); err != nil {
		t.Errorf("归一化后应判等价: %v", err)
	}

	// 上一次断言已读空队列
	err = h.ExpectPacket(100, want, "空队列")
	if err == nil {
		t.Fatal("空队列应报错")
	}
	if !strings.Contains(err.Error(), "空队列") || !strings.Contains(err.Error(), "捕获 0 个") {
		t.Errorf("空队列错误信息不完整: %v", err)
	}

	// 多于一个包同样报数量
	h = queuedHarness(100, captured, captured)
	err = h.ExpectPacket(100, want, "双包")
	if err == nil || !strings.Contains(err.Error(), "捕获 2 个") {
		t.Errorf("双包应报数量错误: %v", err)
	}

	// 字节不符时错误里带场景描述和差异转储
	other, err := packet.BuildUDP(4, net.ParseIP("10.0.100.1"), net.ParseIP("8.8.8.8"),
		40000, 123, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}
	h = queuedHarness(100, other)
	err = h.ExpectPacket(100, want, "端口不符")
	if err == nil {
		t.Fatal("字节不符应报错")
	}
	if !strings.Contains(err.Error(), "端口不符") || !strings.Contains(err.Error(), "want") {
		t.Errorf("不符错误信息不完整: %v", err)
	}
}

// TestExpectNoPackets 空队列通过，有包时报数量
func TestExpectNoPackets(t *testing.T) {
	h := queuedHarness(150)
	if err := h.ExpectNoPackets(150, "静默"); err != nil {
		t.Errorf("空队列应通过: %v", err)
	}

	h = queuedHarness(150, []byte{0x45, 0x00})
	if err := h.ExpectNoPackets(150, "泄漏"); err == nil {
		t.Error("有包时应报错")
	}
}
