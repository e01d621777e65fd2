// Package codec 負責客戶端與伺服器之間的訊息編解碼。
//
// 二進位訊框（第一個位元組為類型）：
//
//	1 點擊：[1][3 bytes padding][payload...]
//	        payload 反轉後是連續的 big-endian int32 網格索引（x + y*width）
//	2 細胞：[2] + 每個細胞 17 bytes（int32 x, int32 y, 1 byte alive, int64 owner，皆為 big-endian）
//	3 心跳：[3]，只有一個位元組
//
// 結構化訊息以 JSON 信封 {"event": ..., "data": ...} 傳送。
package codec

import (
	"encoding/binary"
	"encoding/json"
	"slices"

	"github.com/koopa0/system-design/14-cellular-arena/internal/grid"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// 二進位訊框類型
const (
	TypeClick byte = 1
	TypeCells byte = 2
	TypePing  byte = 3
)

const (
	clickHeaderSize = 4
	indexSize       = 4
	cellSize        = 17
)

// 結構化事件名稱
const (
	EventCells      = "cells"
	EventMap        = "map"
	EventPlayers    = "players"
	EventTick       = "tick"
	EventTime       = "time"
	EventPong       = "pong"
	EventRoomClosed = "room_closed"
)

// Command 客戶端送來的命令
type Command interface {
	Type() byte
}

// Click 點擊命令，Indices 為一維網格索引
type Click struct {
	Indices []int32
}

// Type 實現 Command
func (Click) Type() byte { return TypeClick }

// Points 把索引轉換成網格座標（索引環繞）
func (c Click) Points(g *grid.Grid) []grid.Point {
	points := make([]grid.Point, 0, len(c.Indices))
	for _, idx := range c.Indices {
		points = append(points, g.PointAt(int(idx)))
	}
	return points
}

// Ping 心跳命令
type Ping struct{}

// Type 實現 Command
func (Ping) Type() byte { return TypePing }

// Decode 解析二進位輸入訊框
func Decode(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, errors.ErrMalformedFrame.WithDetails("empty frame")
	}

	switch data[0] {
	case TypeClick:
		return decodeClick(data)
	case TypePing:
		if len(data) != 1 {
			return nil, errors.ErrMalformedFrame.WithDetails("ping frame must be one byte")
		}
		return Ping{}, nil
	default:
		return nil, errors.ErrUnknownCommand
	}
}

func decodeClick(data []byte) (Command, error) {
	if len(data) < clickHeaderSize {
		return nil, errors.ErrMalformedFrame.WithDetails("click frame too short")
	}
	payload := data[clickHeaderSize:]
	if len(payload)%indexSize != 0 {
		return nil, errors.ErrMalformedFrame.WithDetails("click payload not aligned to int32")
	}

	reversed := slices.Clone(payload)
	slices.Reverse(reversed)

	indices := make([]int32, 0, len(reversed)/indexSize)
	for off := 0; off < len(reversed); off += indexSize {
		indices = append(indices, int32(binary.BigEndian.Uint32(reversed[off:])))
	}
	return Click{Indices: indices}, nil
}

// EncodeClick 編碼點擊訊框（Decode 的反向操作，客戶端與測試使用）
func EncodeClick(indices []int32) []byte {
	payload := make([]byte, len(indices)*indexSize)
	for i, idx := range indices {
		binary.BigEndian.PutUint32(payload[i*indexSize:], uint32(idx))
	}
	slices.Reverse(payload)

	frame := make([]byte, clickHeaderSize, clickHeaderSize+len(payload))
	frame[0] = TypeClick
	return append(frame, payload...)
}

// EncodePing 編碼心跳訊框
func EncodePing() []byte {
	return []byte{TypePing}
}

// EncodeCells 編碼細胞列表訊框，空列表只包含類型標記
func EncodeCells(cells []grid.Cell) []byte {
	buf := make([]byte, 1+len(cells)*cellSize)
	buf[0] = TypeCells

	off := 1
	for _, c := range cells {
		binary.BigEndian.PutUint32(buf[off:], uint32(int32(c.X)))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(int32(c.Y)))
		if c.Alive {
			buf[off+8] = 1
		}
		binary.BigEndian.PutUint64(buf[off+9:], uint64(c.Owner))
		off += cellSize
	}
	return buf
}

// DecodeCells 解析細胞列表訊框
func DecodeCells(data []byte) ([]grid.Cell, error) {
	if len(data) == 0 || data[0] != TypeCells {
		return nil, errors.ErrMalformedFrame.WithDetails("not a cell frame")
	}
	body := data[1:]
	if len(body)%cellSize != 0 {
		return nil, errors.ErrMalformedFrame.WithDetails("cell frame not aligned")
	}

	cells := make([]grid.Cell, 0, len(body)/cellSize)
	for off := 0; off < len(body); off += cellSize {
		cells = append(cells, grid.Cell{
			X:     int(int32(binary.BigEndian.Uint32(body[off:]))),
			Y:     int(int32(binary.BigEndian.Uint32(body[off+4:]))),
			Alive: body[off+8] != 0,
			Owner: int64(binary.BigEndian.Uint64(body[off+9:])),
		})
	}
	return cells, nil
}

// Envelope 結構化訊息信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame 準備送往單一玩家的訊息
type Frame struct {
	Event   string
	Binary  bool
	Payload []byte
}

// Size 返回訊息大小（位元組）
func (f Frame) Size() int {
	return len(f.Payload)
}

// CellsFrame 建立細胞列表訊框
func CellsFrame(cells []grid.Cell) Frame {
	return Frame{Event: EventCells, Binary: true, Payload: EncodeCells(cells)}
}

// EventFrame 把事件包成 JSON 信封
func EventFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeInternal, "encode "+event)
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeInternal, "encode "+event)
	}
	return Frame{Event: event, Payload: payload}, nil
}

// ParseEnvelope 解析 JSON 信封
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, errors.ErrCodeProtocol, "malformed envelope")
	}
	return env, nil
}

// OwnerColor 擁有者與顏色的對應
type OwnerColor struct {
	ID    int64  `json:"id"`
	Color string `json:"color"`
}

// MapData map 事件內容
type MapData struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Colors []OwnerColor `json:"colors"`
}

// PlayerData players 事件中的單一玩家（ID 0 為背景）
type PlayerData struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Rule   string `json:"rule"`
	Points int64  `json:"points"`
}

// TickData tick 事件內容
type TickData struct {
	Tick uint64 `json:"tick"`
}

// TimeData time 事件內容
type TimeData struct {
	RemainingMS int64 `json:"remaining_ms"`
}

// PongData pong 事件內容
type PongData struct {
	ServerTime int64 `json:"server_time"`
}

// RoomClosedData room_closed 事件內容
type RoomClosedData struct {
	RoomID int64  `json:"room_id"`
	Reason string `json:"reason"`
}
