package queue

import "github.com/redis/go-redis/v9"

// The scripts run server-side so every state move is atomic: a job is never
// in two structures at once, and attempt accounting cannot race between
// workers. Job hash keys are derived from the popped member, so the prefix
// travels as an ARGV.

// enqueueScript inserts a job unless a live one with the same ID exists.
// KEYS: job hash, ready zset, delayed zset, seq counter
// ARGV: payload, priority, max attempts, enqueued-at ms, ready-at ms (0 = now), job id
// Returns 1 on insert, 0 on duplicate.
var enqueueScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status and status ~= "failed" then
	return 0
end
local seq = redis.call("INCR", KEYS[4])
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "payload", ARGV[1], "priority", ARGV[2], "attempts", 0,
	"max_attempts", ARGV[3], "enqueued_at", ARGV[4], "last_error", "")
if tonumber(ARGV[5]) > 0 then
	redis.call("HSET", KEYS[1], "status", "delayed")
	redis.call("ZADD", KEYS[3], ARGV[5], ARGV[6])
else
	redis.call("HSET", KEYS[1], "status", "queued")
	redis.call("ZADD", KEYS[2], tonumber(ARGV[2]) * 1099511627776 + seq, ARGV[6])
end
return 1
`)

// dequeueScript pops the lowest-score ready job and leases it. The lease
// token identifies this holder; later writes against the lease must present
// it, so a worker that lost its lease cannot touch a reissued job.
// KEYS: ready zset, active zset
// ARGV: lease deadline ms, job key prefix, lease token
// Returns {id, payload, attempts, max attempts} or nil when empty.
var dequeueScript = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("ZADD", KEYS[2], ARGV[1], id)
local jobKey = ARGV[2] .. id
redis.call("HSET", jobKey, "status", "active", "lease_token", ARGV[3])
local attempts = redis.call("HINCRBY", jobKey, "attempts", 1)
local payload = redis.call("HGET", jobKey, "payload") or ""
local max = redis.call("HGET", jobKey, "max_attempts") or "0"
return {id, payload, attempts, max}
`)

// heartbeatScript extends a lease that is still held by this token.
// KEYS: active zset, job hash
// ARGV: new deadline ms, job id, lease token
// Returns 1 if extended, 0 if the lease is gone.
var heartbeatScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "lease_token") ~= ARGV[3] then
	return 0
end
if redis.call("ZSCORE", KEYS[1], ARGV[2]) then
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// completeScript finishes a leased job and drops its state.
// KEYS: active zset, job hash, completed counter
// ARGV: job id, lease token
// Returns 1 on success, 0 if the lease is gone.
var completeScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "lease_token") ~= ARGV[2] then
	return 0
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("DEL", KEYS[2])
redis.call("INCR", KEYS[3])
return 1
`)

// failScript records a failed attempt and either schedules a retry or marks
// the job dead.
// KEYS: active zset, job hash, delayed zset, failed counter
// ARGV: job id, error message, retryable (0/1), retry-at ms, lease token
// Returns -1 lease gone, 0 dead, 1 retry scheduled.
var failScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], "lease_token") ~= ARGV[5] then
	return -1
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return -1
end
redis.call("HDEL", KEYS[2], "lease_token")
redis.call("HSET", KEYS[2], "last_error", ARGV[2])
local attempts = tonumber(redis.call("HGET", KEYS[2], "attempts") or "0")
local max = tonumber(redis.call("HGET", KEYS[2], "max_attempts") or "0")
if ARGV[3] == "0" or attempts >= max then
	redis.call("HSET", KEYS[2], "status", "failed")
	redis.call("INCR", KEYS[4])
	return 0
end
redis.call("HSET", KEYS[2], "status", "retrying")
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// promoteScript moves due delayed jobs into ready, preserving priority bands.
// KEYS: delayed zset, ready zset, seq counter
// ARGV: now ms, job key prefix, batch limit
// Returns the number promoted.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	local jobKey = ARGV[2] .. id
	local priority = tonumber(redis.call("HGET", jobKey, "priority") or "2")
	local seq = redis.call("INCR", KEYS[3])
	redis.call("HSET", jobKey, "status", "queued")
	redis.call("ZADD", KEYS[2], priority * 1099511627776 + seq, id)
end
return #due
`)

// reapScript requeues jobs whose lease deadline passed, or kills them when
// their attempts ran out. Backoff mirrors the client-side formula.
// KEYS: active zset, delayed zset, reaped counter, failed counter
// ARGV: now ms, job key prefix, base delay ms, max delay ms, batch limit
// Returns {number reaped, {ids of jobs that died}}.
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[5]))
local dead = {}
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("INCR", KEYS[3])
	local jobKey = ARGV[2] .. id
	redis.call("HDEL", jobKey, "lease_token")
	local attempts = tonumber(redis.call("HGET", jobKey, "attempts") or "0")
	local max = tonumber(redis.call("HGET", jobKey, "max_attempts") or "0")
	if attempts >= max then
		redis.call("HSET", jobKey, "status", "failed", "last_error", "lease expired")
		redis.call("INCR", KEYS[4])
		table.insert(dead, id)
	else
		redis.call("HSET", jobKey, "status", "retrying")
		local delay = tonumber(ARGV[3]) * 2 ^ math.max(attempts - 1, 0)
		if delay > tonumber(ARGV[4]) then
			delay = tonumber(ARGV[4])
		end
		redis.call("ZADD", KEYS[2], tonumber(ARGV[1]) + delay, id)
	end
end
return {#expired, dead}
`)

// progressScript records progress on a job that still has queue state.
// KEYS: job hash
// ARGV: percent
// Returns 1 if stored, 0 if the job is gone.
var progressScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HSET", KEYS[1], "progress", ARGV[1])
	return 1
end
return 0
`)

// removeScript deletes a job from every structure it might be in.
// KEYS: ready zset, delayed zset, active zset, job hash
// ARGV: job id
var removeScript = redis.NewScript(`
local n = redis.call("ZREM", KEYS[1], ARGV[1])
n = n + redis.call("ZREM", KEYS[2], ARGV[1])
n = n + redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("DEL", KEYS[4])
return n
`)
