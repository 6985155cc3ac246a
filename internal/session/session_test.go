package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession(t *testing.T) {
	s := New()
	assert.False(t, s.IsVerified())
	assert.True(t, s.VerifiedAt().IsZero())

	s.MarkVerified()
	assert.True(t, s.IsVerified())
	assert.False(t, s.VerifiedAt().IsZero())

	s.Reset()
	assert.False(t, s.IsVerified())
	assert.True(t, s.VerifiedAt().IsZero())
}

func TestSession_Independent(t *testing.T) {
	a, b := New(), New()
	a.MarkVerified()
	assert.True(t, a.IsVerified())
	assert.False(t, b.IsVerified())
}

func TestSession_ConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				s.MarkVerified()
			case 1:
				s.Reset()
			default:
				_ = s.IsVerified()
			}
		}(i)
	}
	wg.Wait()
}
