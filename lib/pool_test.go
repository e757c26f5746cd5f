package lib

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestPayload(t *testing.T) {
	c := qt.New(t)

	p, ok := NewPayload(8).(*Payload)
	c.Assert(ok, qt.IsTrue)
	c.Assert(p.GetSlice(), qt.HasLen, 0)

	p.SetContent("abc")
	c.Assert(string(p.GetSlice()), qt.Equals, "abc")

	c.Assert(p.Copy([]byte("segment")), qt.IsNil)
	c.Assert(string(p.GetSlice()), qt.Equals, "segment")
	c.Assert(p.Copy([]byte("too long for it")), qt.IsNotNil)
	c.Assert(p.Copy(nil), qt.IsNotNil)

	p.Reset()
	c.Assert(p.GetSlice(), qt.HasLen, 0)

	c.Assert(NewPayload(), qt.IsNil)
	c.Assert(NewPayload("8"), qt.IsNil)
}
