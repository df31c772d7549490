package testutil_test

import (
	"testing"

	"github.com/leftmike/logstore/store"
	"github.com/leftmike/logstore/testutil"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		ret  bool
	}{
		{1, 2, false},
		{"abc", "abc", true},
		{[]string{"abc", "def"}, []string{"abc", "def"}, true},
		{store.Paddr{Segment: 1, Offset: 2}, store.Paddr{Segment: 1, Offset: 2}, true},
		{store.Paddr{Segment: 1, Offset: 2}, store.Paddr{Segment: 2, Offset: 1}, false},
		{[]store.Laddr{}, []store.Laddr{}, true},
		{[]store.Laddr{1, 2}, []store.Laddr{1, 2}, true},
		{[]store.Laddr{1, 2}, []store.Laddr{2, 1}, false},
		{map[store.Laddr]store.Paddr{1: {Segment: 1}},
			map[store.Laddr]store.Paddr{1: {Segment: 1}}, true},
		{map[store.Laddr]store.Paddr{1: {Segment: 1}},
			map[store.Laddr]store.Paddr{1: {Segment: 2}}, false},
		{
			store.Delta{Type: store.TypeDataBlock, Laddr: 1, Payload: []byte{1, 2, 3}},
			store.Delta{Type: store.TypeDataBlock, Laddr: 1, Payload: []byte{1, 2, 3}},
			true,
		},
		{
			store.Delta{Type: store.TypeDataBlock, Laddr: 1, Payload: []byte{1, 2, 3}},
			store.Delta{Type: store.TypeDataBlock, Laddr: 1, Payload: []byte{1, 2, 4}},
			false,
		},
		{nil, nil, true},
		{nil, 1, false},
	}

	for _, c := range cases {
		if ret := testutil.DeepEqual(c.a, c.b); ret != c.ret {
			t.Errorf("DeepEqual(%v, %v) got %v want %v", c.a, c.b, ret, c.ret)
		}
	}
}
