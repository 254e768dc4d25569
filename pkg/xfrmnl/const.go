package xfrmnl

// Linux XFRM netlink 消息类型 (uapi/linux/xfrm.h)
const (
	XFRM_MSG_NEWSA       = 0x10
	XFRM_MSG_DELSA       = 0x11
	XFRM_MSG_GETSA       = 0x12
	XFRM_MSG_NEWPOLICY   = 0x13
	XFRM_MSG_DELPOLICY   = 0x14
	XFRM_MSG_GETPOLICY   = 0x15
	XFRM_MSG_ALLOCSPI    = 0x16
	XFRM_MSG_ACQUIRE     = 0x17
	XFRM_MSG_EXPIRE      = 0x18
	XFRM_MSG_UPDPOLICY   = 0x19
	XFRM_MSG_UPDSA       = 0x1a
	XFRM_MSG_POLEXPIRE   = 0x1b
	XFRM_MSG_FLUSHSA     = 0x1c
	XFRM_MSG_FLUSHPOLICY = 0x1d
)

// XFRM netlink 属性类型
const (
	XFRMA_UNSPEC         = 0x00
	XFRMA_ALG_AUTH       = 0x01 // struct xfrm_algo
	XFRMA_ALG_CRYPT      = 0x02 // struct xfrm_algo
	XFRMA_ALG_COMP       = 0x03 // struct xfrm_algo
	XFRMA_ENCAP          = 0x04 // struct xfrm_encap_tmpl
	XFRMA_TMPL           = 0x05 // 1+ struct xfrm_user_tmpl
	XFRMA_SA             = 0x06 // struct xfrm_usersa_info
	XFRMA_POLICY         = 0x07 // struct xfrm_userpolicy_info
	XFRMA_SEC_CTX        = 0x08
	XFRMA_LTIME_VAL      = 0x09
	XFRMA_REPLAY_VAL     = 0x0a
	XFRMA_REPLAY_THRESH  = 0x0b
	XFRMA_ETIMER_THRESH  = 0x0c
	XFRMA_SRCADDR        = 0x0d // xfrm_address_t
	XFRMA_COADDR         = 0x0e // xfrm_address_t
	XFRMA_LASTUSED       = 0x0f
	XFRMA_POLICY_TYPE    = 0x10
	XFRMA_MIGRATE        = 0x11
	XFRMA_ALG_AEAD       = 0x12 // struct xfrm_algo_aead
	XFRMA_KMADDRESS      = 0x13
	XFRMA_ALG_AUTH_TRUNC = 0x14 // struct xfrm_algo_auth
	XFRMA_MARK           = 0x15 // struct xfrm_mark
	XFRMA_TFCPAD         = 0x16 // __u32
	XFRMA_REPLAY_ESN_VAL = 0x17
	XFRMA_SA_EXTRA_FLAGS = 0x18 // __u32
	XFRMA_PROTO          = 0x19
	XFRMA_ADDRESS_FILTER = 0x1a
	XFRMA_PAD            = 0x1b
	XFRMA_OFFLOAD_DEV    = 0x1c
	XFRMA_OUTPUT_MARK    = 0x1d // __u32，上游后改名 XFRMA_SET_MARK
	XFRMA_SET_MARK_MASK  = 0x1e // __u32
	XFRMA_IF_ID          = 0x1f // __u32
)

// SA 模式
const (
	ModeTransport = 0 // XFRM_MODE_TRANSPORT
	ModeTunnel    = 1 // XFRM_MODE_TUNNEL
)

// 策略方向
const (
	DirIn  = 0 // XFRM_POLICY_IN
	DirOut = 1 // XFRM_POLICY_OUT
	DirFwd = 2 // XFRM_POLICY_FWD
)

// 策略动作与等级
const (
	PolicyAllow = 0 // XFRM_POLICY_ALLOW
	PolicyBlock = 1 // XFRM_POLICY_BLOCK

	ShareAny = 0 // XFRM_SHARE_ANY
)

// 生命周期无限值 (XFRM_INF)
const Infinity = ^uint64(0)

// ESP-in-UDP 封装 (RFC 3948)
const (
	UDPEncapESPInUDP       = 2   // UDP_ENCAP_ESPINUDP
	UDPEncapESPInUDPNonIKE = 1   // UDP_ENCAP_ESPINUDP_NON_IKE
	OptUDPEncap            = 100 // UDP_ENCAP sockopt
	SolUDP                 = 17  // SOL_UDP
)

// 每 socket 策略 sockopt (uapi/linux/in.h, in6.h)
const (
	OptIPXfrmPolicy   = 17 // IP_XFRM_POLICY, level IPPROTO_IP
	OptIPv6XfrmPolicy = 34 // IPV6_XFRM_POLICY, level IPPROTO_IPV6
)
