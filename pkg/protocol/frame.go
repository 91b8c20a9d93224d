package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFraming 分帧错误, 对该连接而言是致命的
var ErrFraming = errors.New("分帧错误")

// FrameReader 按包头Length字段从字节流中切出完整包。
// 半包阻塞等待, Length非法时返回ErrFraming, 之后该连接不可继续使用。
type FrameReader struct {
	r       io.Reader
	maxSize int
	header  [HeaderSize]byte
	failed  bool
}

// NewFrameReader 创建分帧读取器, maxSize<=0时使用MaxPacketSize
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = MaxPacketSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// Next 读出下一个完整包的原始字节(含包头)。
// 对端关闭返回io.EOF, 包中途断开返回io.ErrUnexpectedEOF。
func (fr *FrameReader) Next() ([]byte, error) {
	if fr.failed {
		return nil, ErrFraming
	}

	// 先读满9字节包头
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(fr.header[3:5]))
	if length < HeaderSize || length > fr.maxSize {
		fr.failed = true
		return nil, fmt.Errorf("%w: Length=%d (允许%d..%d)", ErrFraming, length, HeaderSize, fr.maxSize)
	}

	packet := make([]byte, length)
	copy(packet, fr.header[:])

	if length > HeaderSize {
		if _, err := io.ReadFull(fr.r, packet[HeaderSize:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return packet, nil
}
