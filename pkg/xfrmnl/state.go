package xfrmnl

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/logger"
)

// 默认抗重放窗口
const defaultReplayWindow = 32

// SAConfig 描述一条 Security Association。
// (Dst, SPI, Proto) 在内核 SAD 中唯一；重复创建（非 update）返回 EEXIST。
type SAConfig struct {
	Src net.IP
	Dst net.IP
	SPI uint32
	// Proto 为 0 时默认 ESP
	Proto uint8
	Mode  uint8
	Reqid uint32

	// 算法；nil 表示不携带对应属性
	Crypt *CryptKey
	Auth  *AuthKey

	// ESP-in-UDP 封装模板 (NAT-T)
	Encap *EncapTmpl

	// 流量选择 mark
	Mark *Mark

	// 出方向路由 mark (netid)；0 = 不设置
	OutputMark uint32

	// 抗重放窗口；0 = 默认 32
	ReplayWindow uint8

	// XFRM_STATE_* 标志位
	Flags uint8
}

func (cfg *SAConfig) proto() uint8 {
	if cfg.Proto == 0 {
		return unix.IPPROTO_ESP
	}
	return cfg.Proto
}

// buildAddSA 组装 NEWSA/UPDSA 请求载荷：xfrm_usersa_info + 属性流
func buildAddSA(cfg SAConfig) ([]byte, error) {
	family := FamilyOf(cfg.Dst)
	rw := cfg.ReplayWindow
	if rw == 0 {
		rw = defaultReplayWindow
	}
	info := UsersaInfo{
		Sel: EmptySelector(family),
		ID: ID{
			Daddr: AddressFromIP(cfg.Dst),
			SPI:   cfg.SPI,
			Proto: cfg.proto(),
		},
		Saddr:        AddressFromIP(cfg.Src),
		Lft:          InfiniteLifetime(),
		Reqid:        cfg.Reqid,
		Family:       family,
		Mode:         cfg.Mode,
		ReplayWindow: rw,
		Flags:        cfg.Flags,
	}

	var ab AttrBuilder
	if cfg.Crypt != nil {
		w, err := cfg.Crypt.wire()
		if err != nil {
			return nil, err
		}
		ab.Append(XFRMA_ALG_CRYPT, w.Marshal())
	}
	if cfg.Auth != nil {
		w, err := cfg.Auth.wire()
		if err != nil {
			return nil, err
		}
		ab.Append(XFRMA_ALG_AUTH_TRUNC, w.Marshal())
	}
	if cfg.Encap != nil {
		ab.Append(XFRMA_ENCAP, cfg.Encap.Marshal())
	}
	if cfg.Mark != nil {
		ab.Append(XFRMA_MARK, cfg.Mark.Marshal())
	}
	if cfg.OutputMark != 0 {
		ab.AppendU32(XFRMA_OUTPUT_MARK, cfg.OutputMark)
	}
	return append(info.Marshal(), ab.Bytes()...), nil
}

// AddSA 创建或更新 SA。
// isUpdate=false 且三元组已存在 → EEXIST；isUpdate=true 且不存在 → ENOENT；
// 内核不认识算法名 → ENOSYS。错误码原样上抛，由调用方决定是否属预期。
func (c *Conn) AddSA(cfg SAConfig, isUpdate bool) error {
	payload, err := buildAddSA(cfg)
	if err != nil {
		return err
	}
	msgType := uint16(XFRM_MSG_NEWSA)
	if isUpdate {
		msgType = XFRM_MSG_UPDSA
	}
	if err := c.ack(msgType, payload, 0); err != nil {
		return fmt.Errorf("AddSA (spi=0x%x dst=%v update=%v): %w", cfg.SPI, cfg.Dst, isUpdate, err)
	}
	c.log.Debug("SA 已安装",
		logger.Uint32("spi", cfg.SPI),
		logger.String("dst", cfg.Dst.String()),
		logger.Bool("update", isUpdate))
	return nil
}

// buildDeleteSA 组装 DELSA 请求载荷
func buildDeleteSA(dst net.IP, spi uint32, proto uint8, mark *Mark) []byte {
	id := UsersaID{
		Daddr:  AddressFromIP(dst),
		SPI:    spi,
		Family: FamilyOf(dst),
		Proto:  proto,
	}
	payload := id.Marshal()
	if mark != nil {
		var ab AttrBuilder
		ab.Append(XFRMA_MARK, mark.Marshal())
		payload = append(payload, ab.Bytes()...)
	}
	return payload
}

// DeleteSA 删除一条 SA；不存在时返回 ESRCH
func (c *Conn) DeleteSA(dst net.IP, spi uint32, proto uint8, mark *Mark) error {
	if err := c.ack(XFRM_MSG_DELSA, buildDeleteSA(dst, spi, proto, mark), 0); err != nil {
		return fmt.Errorf("DeleteSA (spi=0x%x dst=%v): %w", spi, dst, err)
	}
	return nil
}

// FlushSA 无条件清空 SAD；对空表幂等
func (c *Conn) FlushSA() error {
	if err := c.ack(XFRM_MSG_FLUSHSA, marshalUsersaFlush(0), 0); err != nil {
		return fmt.Errorf("FlushSA: %w", err)
	}
	return nil
}

// SARecord 一条 dump 出的 SA 及其原始属性
type SARecord struct {
	Info  UsersaInfo
	Attrs AttrMap
}

// DumpSA 列出当前 SAD 中的全部 SA。
// 结果长度精确反映在线 SA 数；序列是一次性的，重新观测需再次调用。
func (c *Conn) DumpSA() ([]SARecord, error) {
	raw, err := c.dump(XFRM_MSG_GETSA, nil, XFRM_MSG_NEWSA)
	if err != nil {
		return nil, fmt.Errorf("DumpSA: %w", err)
	}
	records := make([]SARecord, 0, len(raw))
	for _, b := range raw {
		info, err := ParseUsersaInfo(b)
		if err != nil {
			return nil, fmt.Errorf("DumpSA: %w", err)
		}
		attrs, err := ParseAttrs(b[SizeofUsersaInfo:])
		if err != nil {
			return nil, fmt.Errorf("DumpSA 属性解析: %w", err)
		}
		records = append(records, SARecord{Info: info, Attrs: ToMap(attrs)})
	}
	return records, nil
}

// FindSA 在 dump 结果中找到第一条 SPI 匹配的 SA。
// 用于数据面交换后读取在线计数器 (curlft.packets/bytes, stats.integrity_failed)。
func (c *Conn) FindSA(spi uint32) (*SARecord, error) {
	records, err := c.DumpSA()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Info.ID.SPI == spi {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("FindSA: 没有 SPI 为 0x%x 的 SA: %w", spi, unix.ESRCH)
}

// buildAllocSPI 组装 ALLOCSPI 请求载荷
func buildAllocSPI(dst net.IP, proto uint8, min, max uint32) []byte {
	u := UserSpiInfo{Min: min, Max: max}
	u.Info.ID.Daddr = AddressFromIP(dst)
	u.Info.ID.Proto = proto
	u.Info.Family = FamilyOf(dst)
	u.Info.Sel = EmptySelector(u.Info.Family)
	u.Info.Lft = InfiniteLifetime()
	return u.Marshal()
}

// AllocSPI 让内核在 [min,max] 内挑选一个未用 SPI 并预留胚胎 SA。
// 已返回过的 SPI 不会重复；区间耗尽时返回 ENOENT。
func (c *Conn) AllocSPI(dst net.IP, proto uint8, min, max uint32) (*UsersaInfo, error) {
	reply, err := c.transact(XFRM_MSG_ALLOCSPI, buildAllocSPI(dst, proto, min, max), XFRM_MSG_NEWSA)
	if err != nil {
		return nil, fmt.Errorf("AllocSPI [0x%x,0x%x]: %w", min, max, err)
	}
	info, err := ParseUsersaInfo(reply)
	if err != nil {
		return nil, fmt.Errorf("AllocSPI 应答解析: %w", err)
	}
	return &info, nil
}
