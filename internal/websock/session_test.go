package websock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_Lifecycle(t *testing.T) {
	conn := newMockConn("/ws")
	s := newSession(conn, &sync.Mutex{})
	finalized := 0
	s.onFinalize = func(*Session) { finalized++ }

	assert.Equal(t, int32(1), s.Refs())
	s.Acquire()
	assert.Equal(t, int32(2), s.Refs())
	s.Release()
	assert.Equal(t, int32(1), s.Refs())
	assert.Equal(t, 0, finalized)
	s.Release()
	assert.Equal(t, int32(0), s.Refs())
	assert.Equal(t, 1, finalized)
	assert.True(t, s.IsClosed())

	assert.Panics(t, func() { s.Acquire() })
	assert.Equal(t, 1, finalized)
}

func TestSession_OverRelease(t *testing.T) {
	s := newSession(newMockConn("/ws"), &sync.Mutex{})
	s.Release()
	assert.Panics(t, func() { s.Release() })
}

func TestSession_ConcurrentRefs(t *testing.T) {
	s := newSession(newMockConn("/ws"), &sync.Mutex{})
	finalized := 0
	s.onFinalize = func(*Session) { finalized++ }

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Acquire()
				s.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), s.Refs())
	s.Release()
	assert.Equal(t, 1, finalized)
}

func TestSession_Close(t *testing.T) {
	conn := newMockConn("/ws")
	s := newSession(conn, &sync.Mutex{})
	closes := 0
	s.OnClose = func(*Session) { closes++ }

	s.Close(CloseGoingAway)
	assert.Equal(t, []byte{0x88, 0x02, 0x03, 0xe9}, conn.written.Bytes())
	assert.Equal(t, CloseGoingAway, s.CloseCode())
	assert.True(t, s.IsClosed())
	assert.Equal(t, 1, closes)

	// closing again is a no-op
	s.Close(CloseNormal)
	assert.Equal(t, []byte{0x88, 0x02, 0x03, 0xe9}, conn.written.Bytes())
	assert.Equal(t, CloseGoingAway, s.CloseCode())
	assert.Equal(t, 1, closes)

	_, open := s.Route()
	assert.False(t, open)
}

func TestSession_CloseAfterTransportDrop(t *testing.T) {
	conn := newMockConn("/ws")
	s := newSession(conn, &sync.Mutex{})
	closes := 0
	s.OnClose = func(*Session) { closes++ }

	conn.close()
	s.Close(CloseNormal)
	assert.Empty(t, conn.written.Bytes())
	assert.Equal(t, 0, s.CloseCode())
	assert.Equal(t, 1, closes)
}

func TestSession_IDsAreUnique(t *testing.T) {
	a := newSession(newMockConn("/ws"), &sync.Mutex{})
	b := newSession(newMockConn("/ws"), &sync.Mutex{})
	assert.NotEqual(t, a.ID(), b.ID())
}
