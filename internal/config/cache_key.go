package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ActiveSessionKey holds the id of the live proctor session of a user on a test.
func (r *CacheKeyStruct) ActiveSessionKey(testID, userID string) string {
	return fmt.Sprintf("proctor:%s:user:%s:session", testID, userID)
}

// AttemptIDKey caches the attempt id resolved for a user on a test.
func (r *CacheKeyStruct) AttemptIDKey(testID, userID string) string {
	return fmt.Sprintf("proctor:%s:user:%s:attempt", testID, userID)
}

// ViolationCountKey is a hash of violation counts per type for a user on a test.
func (r *CacheKeyStruct) ViolationCountKey(testID, userID string) string {
	return fmt.Sprintf("proctor:%s:user:%s:violations", testID, userID)
}

// MonitorChannel returns the Redis PubSub channel carrying live violations of a test.
func (r *CacheKeyStruct) MonitorChannel(testID string) string {
	return fmt.Sprintf("proctor:%s:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()
