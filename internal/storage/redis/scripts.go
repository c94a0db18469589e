package redis

const (
	// statsTTLSeconds expires counters nobody has updated for 30 days
	statsTTLSeconds = 2592000

	// applyJankDeltaScript atomically adds a delta to a stats hash and
	// indexes it
	applyJankDeltaScript = `
local stats_key = KEYS[1]     -- vsyncd:jank:{key}
local index_key = KEYS[2]     -- vsyncd:jank:index

local key = ARGV[1]
local layer_name = ARGV[2]
local owner_uid = ARGV[3]
local total = tonumber(ARGV[4])
local janky = tonumber(ARGV[5])
local updated_at = ARGV[6]
local ttl_seconds = tonumber(ARGV[7])

redis.call('HSET', stats_key, 'key', key, 'updated_at', updated_at)
if layer_name ~= '' then
  redis.call('HSET', stats_key, 'layer_name', layer_name, 'owner_uid', owner_uid)
end

redis.call('HINCRBY', stats_key, 'total_frames', total)
redis.call('HINCRBY', stats_key, 'janky_frames', janky)

-- remaining arguments are cause/count pairs
for i = 8, #ARGV, 2 do
  redis.call('HINCRBY', stats_key, 'cause:' .. ARGV[i], tonumber(ARGV[i + 1]))
end

if ttl_seconds > 0 then
  redis.call('EXPIRE', stats_key, ttl_seconds)
end

redis.call('SADD', index_key, key)

return 'OK'
`
)
