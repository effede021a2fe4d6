package valkey

// luaSetWithPTTL stores a value with a millisecond expiry.
// KEYS[1] = key, ARGV[1] = value, ARGV[2] = ttl in milliseconds
const luaSetWithPTTL = `
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// luaClaimNonce registers a nonce only if it is absent.
// KEYS[1] = nonce key, ARGV[1] = ttl in milliseconds
// Returns 1 when this call registered the nonce, 0 otherwise.
const luaClaimNonce = `
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
    return 1
end
return 0
`

// luaCreateCurrentSigningKey elects a current signing key.
// KEYS[1] = current pointer key, KEYS[2] = candidate key record
// ARGV[1] = candidate kid, ARGV[2] = candidate JSON,
// ARGV[3] = record ttl ms (retention), ARGV[4] = pointer ttl ms (expiry),
// ARGV[5] = signing key record prefix
// Returns the JSON of whichever key is current afterwards.
const luaCreateCurrentSigningKey = `
local current = redis.call('GET', KEYS[1])
if current then
    local data = redis.call('GET', ARGV[5] .. current)
    if data then
        return data
    end
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
return ARGV[2]
`

// luaSetCurrentSigningKey stores a key record and repoints the current pointer.
// KEYS[1] = current pointer key, KEYS[2] = key record
// ARGV[1] = kid, ARGV[2] = JSON, ARGV[3] = record ttl ms, ARGV[4] = pointer ttl ms
const luaSetCurrentSigningKey = `
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
return 1
`

// luaRevokeRefreshToken flags a refresh token record as revoked, keeping its TTL.
// KEYS[1] = refresh token key
// Returns 1 if the record existed.
const luaRevokeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local record = cjson.decode(data)
record['revoked'] = true
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 1
`
