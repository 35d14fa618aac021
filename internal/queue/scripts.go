package queue

import "github.com/redis/go-redis/v9"

// Every multi-key transition runs as a script so the pending / delayed
// / active sets can never disagree about a job, and so a stale worker
// whose lease expired cannot ack a job that was already handed out
// again.
//
// Pending is a sorted set scored `seq - priority·1e12`: FIFO within the
// same visibility instant, higher priority first. Delayed is scored by
// the wall-clock visibility time in milliseconds.

// KEYS: id, seq, pending, delayed, dedupe
// ARGV: payload, maxAttempts, baseDelayMs, priority, delayMs, nowMs, jobPrefix, dedupeKey, createdAt
var enqueueScript = redis.NewScript(`
local id = tostring(redis.call('INCR', KEYS[1]))
if ARGV[8] ~= '' then
  local prev = redis.call('HGET', KEYS[5], ARGV[8])
  if prev then
    local removed = redis.call('ZREM', KEYS[3], prev) + redis.call('ZREM', KEYS[4], prev)
    if removed > 0 then
      redis.call('DEL', ARGV[7] .. prev)
    end
  end
  redis.call('HSET', KEYS[5], ARGV[8], id)
end
redis.call('HSET', ARGV[7] .. id,
  'payload', ARGV[1],
  'attemptsMade', '0',
  'maxAttempts', ARGV[2],
  'baseDelayMs', ARGV[3],
  'priority', ARGV[4],
  'status', 'pending',
  'createdAt', ARGV[9],
  'nextVisibleAt', tostring(tonumber(ARGV[6]) + tonumber(ARGV[5])))
if tonumber(ARGV[5]) > 0 then
  redis.call('ZADD', KEYS[4], tonumber(ARGV[6]) + tonumber(ARGV[5]), id)
else
  local seq = redis.call('INCR', KEYS[2])
  redis.call('ZADD', KEYS[3], seq - tonumber(ARGV[4]) * 1e12, id)
end
return id
`)

// KEYS: pending, active
// ARGV: leaseMs, leasePrefix, leaseID, jobPrefix
var reserveScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('SADD', KEYS[2], id)
redis.call('SET', ARGV[2] .. id, ARGV[3], 'PX', tonumber(ARGV[1]))
redis.call('HSET', ARGV[4] .. id, 'status', 'active')
redis.call('HINCRBY', ARGV[4] .. id, 'attemptsMade', 1)
return id
`)

// KEYS: active, retention
// ARGV: id, leasePrefix, leaseID, jobPrefix, keep, finishedAt, progressOrError, status
var finishScript = redis.NewScript(`
local lease = redis.call('GET', ARGV[2] .. ARGV[1])
if lease ~= ARGV[3] then
  return 0
end
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('SREM', KEYS[1], ARGV[1])
local field = 'progress'
if ARGV[8] == 'failed' then
  field = 'error'
end
redis.call('HSET', ARGV[4] .. ARGV[1], 'status', ARGV[8], 'finishedAt', ARGV[6], field, ARGV[7])
local keep = tonumber(ARGV[5])
if keep > 0 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  redis.call('LTRIM', KEYS[2], 0, keep - 1)
  redis.call('PEXPIRE', ARGV[4] .. ARGV[1], 86400000)
else
  redis.call('DEL', ARGV[4] .. ARGV[1])
end
return 1
`)

// KEYS: active, delayed
// ARGV: id, leasePrefix, leaseID, jobPrefix, visibleAtMs, error
var retryScript = redis.NewScript(`
local lease = redis.call('GET', ARGV[2] .. ARGV[1])
if lease ~= ARGV[3] then
  return 0
end
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[1])
redis.call('HSET', ARGV[4] .. ARGV[1], 'status', 'pending', 'nextVisibleAt', ARGV[5], 'error', ARGV[6])
return 1
`)

// KEYS: delayed, pending, seq
// ARGV: nowMs, jobPrefix
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local prio = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq - prio * 1e12, id)
end
return #ids
`)

// KEYS: active, pending, seq
// ARGV: jobPrefix, leasePrefix
var reapScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local reaped = 0
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[2] .. id) == 0 then
    redis.call('SREM', KEYS[1], id)
    local prio = tonumber(redis.call('HGET', ARGV[1] .. id, 'priority') or '0')
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], seq - prio * 1e12, id)
    redis.call('HSET', ARGV[1] .. id, 'status', 'pending')
    reaped = reaped + 1
  end
end
return reaped
`)
