package codec_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/grid"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRules struct{}

func (stubRules) RuleFor(int64) *rule.Rule { return nil }

// TestDecode_Click 測試點擊訊框：payload 反轉後為 big-endian int32
func TestDecode_Click(t *testing.T) {
	// payload 反轉後為 00 00 00 05 | 00 00 01 02
	frame := []byte{1, 0, 0, 0, 0x02, 0x01, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00}

	cmd, err := codec.Decode(frame)
	require.NoError(t, err)

	click, ok := cmd.(codec.Click)
	require.True(t, ok)
	assert.Equal(t, codec.TypeClick, click.Type())
	assert.Equal(t, []int32{5, 258}, click.Indices)

	// 原始訊框不能被修改
	assert.Equal(t, byte(0x02), frame[4])
}

// TestDecode_Table 測試各種訊框
func TestDecode_Table(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected codec.Command
		protocol bool
	}{
		{"ping", []byte{3}, codec.Ping{}, false},
		{"empty click", []byte{1, 0, 0, 0}, codec.Click{Indices: []int32{}}, false},
		{"empty frame", nil, nil, true},
		{"ping with trailing bytes", []byte{3, 0}, nil, true},
		{"short click header", []byte{1, 0}, nil, true},
		{"misaligned click payload", []byte{1, 0, 0, 0, 1, 2, 3}, nil, true},
		{"server-only cell frame", []byte{2}, nil, true},
		{"unknown type", []byte{9, 9}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := codec.Decode(tt.frame)
			if tt.protocol {
				require.Error(t, err)
				assert.True(t, errors.IsProtocol(err))
				assert.Nil(t, cmd)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cmd)
		})
	}
}

// TestEncodeClick_Inverse 測試 EncodeClick 是 Decode 的反向操作
func TestEncodeClick_Inverse(t *testing.T) {
	indices := []int32{0, 1, 99, 12345, -7}

	frame := codec.EncodeClick(indices)
	assert.Len(t, frame, 4+4*len(indices))
	assert.Equal(t, codec.TypeClick, frame[0])

	cmd, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, indices, cmd.(codec.Click).Indices)
}

// TestClick_Points 測試索引轉座標
func TestClick_Points(t *testing.T) {
	g, err := grid.New(10, 5, stubRules{}, nil)
	require.NoError(t, err)

	points := codec.Click{Indices: []int32{0, 23, 50, -1}}.Points(g)
	assert.Equal(t, []grid.Point{{X: 0, Y: 0}, {X: 3, Y: 2}, {X: 0, Y: 0}, {X: 9, Y: 4}}, points)
}

// TestEncodeCells 測試細胞訊框佈局
func TestEncodeCells(t *testing.T) {
	empty := codec.EncodeCells(nil)
	assert.Equal(t, []byte{codec.TypeCells}, empty)

	cells := []grid.Cell{
		{X: 1, Y: 2, Alive: true, Owner: 258},
		{X: 300, Y: 0, Alive: false, Owner: 0},
	}
	frame := codec.EncodeCells(cells)
	require.Len(t, frame, 1+17*2)

	assert.Equal(t, []byte{
		2,
		0, 0, 0, 1, 0, 0, 0, 2, 1, 0, 0, 0, 0, 0, 0, 1, 2,
		0, 0, 1, 44, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}, frame)

	decoded, err := codec.DecodeCells(frame)
	require.NoError(t, err)
	assert.Equal(t, cells, decoded)

	_, err = codec.DecodeCells(frame[:5])
	assert.True(t, errors.IsProtocol(err))
}

// TestEventFrame 測試 JSON 信封
func TestEventFrame(t *testing.T) {
	f, err := codec.EventFrame(codec.EventTick, codec.TickData{Tick: 42})
	require.NoError(t, err)
	assert.False(t, f.Binary)
	assert.Equal(t, codec.EventTick, f.Event)
	assert.JSONEq(t, `{"event":"tick","data":{"tick":42}}`, string(f.Payload))
	assert.Equal(t, len(f.Payload), f.Size())

	env, err := codec.ParseEnvelope(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, codec.EventTick, env.Event)

	var tick codec.TickData
	require.NoError(t, json.Unmarshal(env.Data, &tick))
	assert.Equal(t, uint64(42), tick.Tick)

	_, err = codec.ParseEnvelope([]byte("{"))
	assert.True(t, errors.IsProtocol(err))

	_, err = codec.EventFrame(codec.EventMap, make(chan int))
	assert.Error(t, err)
}

// TestCellsFrame 測試細胞訊框包裝
func TestCellsFrame(t *testing.T) {
	f := codec.CellsFrame([]grid.Cell{{X: 1, Y: 1, Alive: true, Owner: 3}})
	assert.True(t, f.Binary)
	assert.Equal(t, codec.EventCells, f.Event)
	assert.Equal(t, 18, f.Size())
}
