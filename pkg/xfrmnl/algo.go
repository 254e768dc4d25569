package xfrmnl

import "fmt"

// 内核 XFRM 算法描述表。
// 本工程只需要 null 变换的精确几何（长度预测、手工组包），真正的加解密由内核完成。

// CryptAlgo 加密算法几何
type CryptAlgo struct {
	Name      string // 内核算法名称 (如 "cbc(aes)")
	KeyBits   int
	IVLen     int // 字节
	BlockSize int // 字节；null 算法为 4（ESP 对齐要求）
}

// AuthAlgo 完整性算法几何
type AuthAlgo struct {
	Name      string // 内核算法名称 (如 "hmac(sha1)")
	KeyBits   int
	TruncBits int // ICV 截断位数
}

var (
	// CryptNull 空加密（仅做 ESP 封装，不加密）
	CryptNull = CryptAlgo{Name: "ecb(cipher_null)", KeyBits: 0, IVLen: 0, BlockSize: 4}
	// CryptAESCBC256 AES-256-CBC
	CryptAESCBC256 = CryptAlgo{Name: "cbc(aes)", KeyBits: 256, IVLen: 16, BlockSize: 16}

	// AuthNull 空完整性校验
	AuthNull = AuthAlgo{Name: "digest_null", KeyBits: 0, TruncBits: 0}
	// AuthHMACSHA1 HMAC-SHA1-96
	AuthHMACSHA1 = AuthAlgo{Name: "hmac(sha1)", KeyBits: 128, TruncBits: 96}
	// AuthHMACSHA256 HMAC-SHA256-128
	AuthHMACSHA256 = AuthAlgo{Name: "hmac(sha256)", KeyBits: 256, TruncBits: 128}
)

// TruncLen 截断后的 ICV 字节数
func (a AuthAlgo) TruncLen() int {
	return a.TruncBits / 8
}

// CryptKey 加密算法与密钥的组合
type CryptKey struct {
	Algo CryptAlgo
	Key  []byte
}

// AuthKey 完整性算法与密钥的组合
type AuthKey struct {
	Algo AuthAlgo
	Key  []byte
}

func (k CryptKey) wire() (*Algo, error) {
	if len(k.Key)*8 != k.Algo.KeyBits {
		return nil, fmt.Errorf("加密密钥长度不符: %s 需要 %d 位，实际 %d 位",
			k.Algo.Name, k.Algo.KeyBits, len(k.Key)*8)
	}
	return &Algo{Name: k.Algo.Name, KeyLen: uint32(k.Algo.KeyBits), Key: k.Key}, nil
}

func (k AuthKey) wire() (*AlgoAuth, error) {
	if len(k.Key)*8 != k.Algo.KeyBits {
		return nil, fmt.Errorf("完整性密钥长度不符: %s 需要 %d 位，实际 %d 位",
			k.Algo.Name, k.Algo.KeyBits, len(k.Key)*8)
	}
	return &AlgoAuth{
		Name:     k.Algo.Name,
		KeyLen:   uint32(k.Algo.KeyBits),
		TruncLen: uint32(k.Algo.TruncBits),
		Key:      k.Key,
	}, nil
}
