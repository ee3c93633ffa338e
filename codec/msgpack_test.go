package codec

import (
	"testing"
	"time"
)

type benchT struct {
	String string
	Int    int
	Bool   bool
	Float  float32
	Struct *benchT
	Time   time.Time
	Bytes  []byte
}

func benchValue() *benchT {
	return &benchT{
		String: "foo",
		Int:    5,
		Bool:   true,
		Float:  1.4,
		Struct: &benchT{
			Int: 10,
		},
		Time:  time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC),
		Bytes: []byte(`{"foo": "bar", "baz": 3.4}`),
	}
}

func BenchmarkMsgPackMarshal(b *testing.B) {
	v1 := benchValue()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		MsgPack.Marshal(v1)
	}
}

func BenchmarkMsgPackUnmarshal(b *testing.B) {
	y, _ := MsgPack.Marshal(benchValue())
	var v2 benchT

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		MsgPack.Unmarshal(y, &v2)
	}
}
