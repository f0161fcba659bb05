package queue

import "github.com/redis/go-redis/v9"

// Wait-set score is priority*1e10 + seq, so lower priority numbers pop first
// and insertion order breaks ties. Priorities are clamped to [0, MaxPriority].

// KEYS: job, wait, seq
// ARGV: id, data, priority, max_attempts, now
var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local seq = redis.call("INCR", KEYS[3])
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "data", ARGV[2], "priority", ARGV[3], "max_attempts", ARGV[4],
  "attempts", 0, "stalled", 0, "progress", 0, "state", "waiting", "created_at", ARGV[5])
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]) * 1e10 + seq, ARGV[1])
return 1
`)

// KEYS: wait, active, delayed, seq
// ARGV: prefix, now, lock_deadline, token
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[2])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[3], id)
  local jk = ARGV[1] .. "job:" .. id
  if redis.call("EXISTS", jk) == 1 then
    local prio = tonumber(redis.call("HGET", jk, "priority") or "0")
    local seq = redis.call("INCR", KEYS[4])
    redis.call("ZADD", KEYS[1], prio * 1e10 + seq, id)
    redis.call("HSET", jk, "state", "waiting")
  end
end
while true do
  local popped = redis.call("ZPOPMIN", KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local jk = ARGV[1] .. "job:" .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("ZADD", KEYS[2], ARGV[3], id)
    redis.call("HSET", jk, "state", "active", "token", ARGV[4], "processed_at", ARGV[2])
    return redis.call("HGETALL", jk)
  end
end
`)

// KEYS: active, job
// ARGV: id, token, lock_deadline
var extendLockScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "token") ~= ARGV[2] then
  return 0
end
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, completed, job
// ARGV: prefix, id, token, now, ttl_ms, keep
var completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], "token") ~= ARGV[3] then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
redis.call("HSET", KEYS[3], "state", "completed", "finished_at", ARGV[4], "progress", 100)
redis.call("HDEL", KEYS[3], "token")
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[3], ttl)
  local old = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", tonumber(ARGV[4]) - ttl)
  for _, id in ipairs(old) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("DEL", ARGV[1] .. "job:" .. id)
  end
end
local keep = tonumber(ARGV[6])
if keep > 0 then
  local extra = redis.call("ZRANGE", KEYS[2], 0, -(keep + 1))
  for _, id in ipairs(extra) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("DEL", ARGV[1] .. "job:" .. id)
  end
end
return 1
`)

// KEYS: active, delayed, failed, job
// ARGV: prefix, id, token, now, reason, backoff_base_ms, backoff_max_ms, ttl_ms
// Returns {outcome, attempts, delay_ms}: outcome 0 lock lost, 1 delayed, 2 failed.
var failScript = redis.NewScript(`
if redis.call("HGET", KEYS[4], "token") ~= ARGV[3] then
  return {0, 0, 0}
end
local now = tonumber(ARGV[4])
local attempts = redis.call("HINCRBY", KEYS[4], "attempts", 1)
local max = tonumber(redis.call("HGET", KEYS[4], "max_attempts") or "1")
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HDEL", KEYS[4], "token")
redis.call("HSET", KEYS[4], "failed_reason", ARGV[5])
if attempts < max then
  local delay = tonumber(ARGV[6]) * (2 ^ (attempts - 1))
  local cap = tonumber(ARGV[7])
  if cap > 0 and delay > cap then
    delay = cap
  end
  redis.call("ZADD", KEYS[2], now + delay, ARGV[2])
  redis.call("HSET", KEYS[4], "state", "delayed")
  return {1, attempts, delay}
end
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
redis.call("HSET", KEYS[4], "state", "failed", "finished_at", ARGV[4])
local ttl = tonumber(ARGV[8])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[4], ttl)
  local old = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", now - ttl)
  for _, id in ipairs(old) do
    redis.call("ZREM", KEYS[3], id)
    redis.call("DEL", ARGV[1] .. "job:" .. id)
  end
end
return {2, attempts, 0}
`)

// KEYS: active, wait, failed, seq
// ARGV: prefix, now, max_stalled, ttl_ms, reason
// Requeued jobs sit in the wait set in state "stalled" until reclaimed.
// Returns {requeued_ids, failed_ids}.
var recoverStalledScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local requeued = {}
local failed = {}
local ttl = tonumber(ARGV[4])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local jk = ARGV[1] .. "job:" .. id
  if redis.call("EXISTS", jk) == 1 then
    redis.call("HDEL", jk, "token")
    local stalled = redis.call("HINCRBY", jk, "stalled", 1)
    if stalled > tonumber(ARGV[3]) then
      redis.call("HSET", jk, "state", "failed", "failed_reason", ARGV[5], "finished_at", ARGV[2])
      redis.call("ZADD", KEYS[3], ARGV[2], id)
      if ttl > 0 then
        redis.call("PEXPIRE", jk, ttl)
      end
      table.insert(failed, id)
    else
      local prio = tonumber(redis.call("HGET", jk, "priority") or "0")
      local seq = redis.call("INCR", KEYS[4])
      redis.call("ZADD", KEYS[2], prio * 1e10 + seq, id)
      redis.call("HSET", jk, "state", "stalled")
      table.insert(requeued, id)
    end
  end
end
return {requeued, failed}
`)
