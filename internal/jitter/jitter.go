// Package jitter 可注入的伪随机源，供节奏控制、身份生成等使用。
// 测试传入固定种子即可确定性重放。
package jitter

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Source 并发安全的随机源
type Source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New 使用随机种子创建
func New() *Source {
	return &Source{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded 使用固定种子创建
func NewSeeded(seed uint64) *Source {
	return &Source{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float64 返回 [0,1)
func (s *Source) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Chance 以概率 p 返回 true
func (s *Source) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	return s.Float64() < p
}

// IntBetween 返回 [min,max] 闭区间整数
func (s *Source) IntBetween(min, max int) int {
	if max <= min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + s.rng.IntN(max-min+1)
}

// Between 返回 [min,max] 内的随机时长（毫秒粒度）
func (s *Source) Between(min, max time.Duration) time.Duration {
	ms := s.IntBetween(int(min/time.Millisecond), int(max/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Pick 返回 [0,n) 的随机下标
func (s *Source) Pick(n int) int {
	if n <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}
