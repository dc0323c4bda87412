package redisstore

const (
	// commitScript applies a balance and its journal entries atomically.
	// Nothing is written when any idempotency key already exists.
	commitScript = `
local balance_key = KEYS[1]      -- {prefix}:balance:{scope}
local entries_key = KEYS[2]      -- {prefix}:entries:{scope}
local idempotency_key = KEYS[3]  -- {prefix}:idempotency:{scope}

local balance = ARGV[1]
local entry_count = (#ARGV - 1) / 4

for i = 0, entry_count - 1 do
  local key = ARGV[3 + i * 4]
  if redis.call('HEXISTS', idempotency_key, key) == 1 then
    return 'DUPLICATE'
  end
end

for i = 0, entry_count - 1 do
  local entry_id = ARGV[2 + i * 4]
  local key = ARGV[3 + i * 4]
  local created = ARGV[4 + i * 4]
  local payload = ARGV[5 + i * 4]
  redis.call('HSET', idempotency_key, key, entry_id)
  redis.call('SET', KEYS[4 + i], payload)
  redis.call('ZADD', entries_key, created, entry_id)
end

if balance ~= '' then
  redis.call('SET', balance_key, balance)
end

return 'OK'
`
)
