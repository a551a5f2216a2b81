package cmap

import (
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hashInts(k int) uint32 {
	return Fnv32(strconv.Itoa(k))
}

func TestSetThenGetReturnsCommittedValue(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.True(t, m.Set(7, 5))
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
}

func TestValuesReturnsEveryCommittedEntry(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	m.Set(5, 7)
	m.Set(7, 5)
	vals := m.Values()
	sort.Ints(vals)
	assert.Equal(t, []int{5, 7}, vals)
}

func TestGetOnMissingKeyReturnsWaitChannel(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	v, wait := m.Get(5)
	assert.Equal(t, 0, v)
	assert.NotNil(t, wait)

	go func() {
		m.Set(5, 7)
	}()
	<-wait

	v, wait = m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
}

func TestSetDoesNotOverwriteACommittedValue(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	assert.True(t, m.Set(5, 7))
	assert.False(t, m.Set(5, 99))
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 7, v)
}

func TestDeleteAllowsReinsertion(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	m.Set(5, 7)
	m.Delete(5)
	assert.True(t, m.Set(5, 8))
	v, wait := m.Get(5)
	assert.Nil(t, wait)
	assert.Equal(t, 8, v)
}

func TestShardCountMustBePowerOfTwo(t *testing.T) {
	assert.NotPanics(t, func() { New[int, int](4, hashInts) })
	assert.Panics(t, func() { New[int, int](3, hashInts) })
}

func TestManyKeysAcrossShards(t *testing.T) {
	const n = 1000
	m := New[int, int](DefaultShardCount, hashInts)
	for i := 0; i < n; i++ {
		m.Set(i, i)
	}
	for i := 0; i < n; i++ {
		v, wait := m.Get(i)
		assert.Equal(t, i, v)
		assert.Nil(t, wait)
	}
}
