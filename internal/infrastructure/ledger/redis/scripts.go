package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS: page hash, pages zset, frontier zset, page seq
// ARGV: fingerprint, url, title, first_seen_by, first_seen
var insertPageScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HINCRBY', KEYS[1], 'visits', 1)
	return 0
end
local seq = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1],
	'fingerprint', ARGV[1], 'url', ARGV[2], 'title', ARGV[3],
	'first_seen_by', ARGV[4], 'first_seen', ARGV[5], 'visits', 1, 'complete', 0)
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('ZADD', KEYS[3], seq, ARGV[1])
return 1
`)

// KEYS: page hash, frontier zset
// ARGV: fingerprint
var completePageScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'complete') == '0' then
	redis.call('HSET', KEYS[1], 'complete', 1)
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// KEYS: claims hash, claim order list
// ARGV: key, encoded claim
var insertClaimScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// KEYS: finding hash, findings zset, finding seq, counters hash, reports hash
// ARGV: signature, id, severity, category, page, url, description, evidence,
//       discovered_by, ts
var upsertFindingScript = goredis.NewScript(`
if ARGV[2] ~= '' then
	local prev = redis.call('HGET', KEYS[5], ARGV[2])
	if prev then
		return tonumber(prev)
	end
end
local created = 0
redis.call('HINCRBY', KEYS[4], 'occurrences', 1)
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HINCRBY', KEYS[1], 'occurrences', 1)
	if tonumber(ARGV[10]) > tonumber(redis.call('HGET', KEYS[1], 'last_seen')) then
		redis.call('HSET', KEYS[1], 'last_seen', ARGV[10])
	end
	if redis.call('HGET', KEYS[1], 'evidence') == '' then
		redis.call('HSET', KEYS[1], 'evidence', ARGV[8])
	end
else
	local seq = redis.call('INCR', KEYS[3])
	redis.call('HSET', KEYS[1],
		'id', ARGV[2], 'severity', ARGV[3], 'category', ARGV[4], 'page', ARGV[5],
		'url', ARGV[6], 'description', ARGV[7], 'evidence', ARGV[8],
		'discovered_by', ARGV[9], 'ts', ARGV[10], 'last_seen', ARGV[10], 'occurrences', 1)
	redis.call('ZADD', KEYS[2], seq, ARGV[1])
	redis.call('HINCRBY', KEYS[4], 'sev:' .. ARGV[3], 1)
	created = 1
end
if ARGV[2] ~= '' then
	redis.call('HSET', KEYS[5], ARGV[2], created)
end
return created
`)
