package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_RunsInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string

	m.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	m.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, time.Unix(3, 0), m.Now())
}

func TestManual_StopPreventsRun(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ran := false
	task := m.AfterFunc(time.Second, func() { ran = true })

	assert.True(t, task.Stop())
	assert.False(t, task.Stop())
	m.Advance(time.Minute)
	assert.False(t, ran)
}

func TestManual_StopAfterRun(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	task := m.AfterFunc(time.Second, func() {})
	m.Advance(time.Second)
	assert.False(t, task.Stop())
}

func TestManual_CallbackSchedulesWithinWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	assert.Equal(t, 5, count)
	assert.Equal(t, 1, m.Pending())
}
