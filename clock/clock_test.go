package clock_test

import (
	"testing"
	"time"

	"github.com/tolelom/tolbft/clock"
)

func TestMockFiresOnlyWhenAdvanced(t *testing.T) {
	mock := clock.NewMock()
	fired := make(chan struct{}, 1)
	mock.AfterFunc(3*time.Second, func() { fired <- struct{}{} })

	mock.Add(2 * time.Second)
	select {
	case <-fired:
		t.Fatal("timer fired before its deadline")
	default:
	}

	mock.Add(2 * time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after the mock advanced past its deadline")
	}
}
