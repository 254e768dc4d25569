package multinet

import (
	"fmt"

	"github.com/iniwex5/xfrmkit/pkg/esp"
	"github.com/iniwex5/xfrmkit/pkg/packet"
)

// 断言辅助：对捕获 FIFO 做破坏性读取，失败时报出场景描述和字节差异。
// 比较前先抹平内核填充的非确定性字段 (IPv4 Id/TTL/校验和)。
// 归一化只及最外层 IP 头，tunnel 模式的 ESP 流量用 ExpectESPPacket
// 校验 SPI/序列号和长度，内层再经 esp.DecryptNull 比较。

// ExpectPacket 断言 netid 网络上恰好出现了一个与 want 等价的数据包
func (h *Harness) ExpectPacket(netid int, want []byte, desc string) error {
	got := h.ReadAllPackets(netid)
	if len(got) != 1 {
		return fmt.Errorf("%s: netid %d 上预期 1 个数据包，捕获 %d 个", desc, netid, len(got))
	}
	wantNorm, err := packet.Normalize(want)
	if err != nil {
		return fmt.Errorf("%s: 预期包不合法: %w", desc, err)
	}
	gotNorm, err := packet.Normalize(got[0])
	if err != nil {
		return fmt.Errorf("%s: 捕获包不可解析: %w", desc, err)
	}
	if diff := packet.Diff(wantNorm, gotNorm); diff != "" {
		return fmt.Errorf("%s: netid %d 上的数据包不符:\n%s", desc, netid, diff)
	}
	return nil
}

// ExpectNoPackets 断言 netid 网络上没有捕获到任何数据包
func (h *Harness) ExpectNoPackets(netid int, desc string) error {
	got := h.ReadAllPackets(netid)
	if len(got) == 0 {
		return nil
	}
	return fmt.Errorf("%s: netid %d 上预期无数据包，捕获 %d 个，首个:\n%s",
		desc, netid, len(got), packet.Diff(nil, got[0]))
}

// ExpectESPPacket 断言 netid 网络上恰好出现了一个 SPI 和序列号都匹配的
// ESP 包，返回解析结果供调用方检查长度和地址
func (h *Harness) ExpectESPPacket(netid int, spi, seq uint32, desc string) (*packet.Packet, error) {
	got := h.ReadAllPackets(netid)
	if len(got) != 1 {
		return nil, fmt.Errorf("%s: netid %d 上预期 1 个 ESP 包，捕获 %d 个", desc, netid, len(got))
	}
	p, err := packet.Parse(got[0])
	if err != nil {
		return nil, fmt.Errorf("%s: 捕获包不可解析: %w", desc, err)
	}
	if !p.IsESP() {
		return nil, fmt.Errorf("%s: netid %d 上的包协议为 %d，不是 ESP", desc, netid, p.Protocol())
	}
	hdr, err := esp.ParseHeader(p.L3Payload())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc, err)
	}
	if hdr.SPI != spi || hdr.Seq != seq {
		return nil, fmt.Errorf("%s: ESP 头不符: 预期 spi=0x%x seq=%d，实际 spi=0x%x seq=%d",
			desc, spi, seq, hdr.SPI, hdr.Seq)
	}
	return p, nil
}
