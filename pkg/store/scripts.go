// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package store

import "github.com/redis/go-redis/v9"

// The queue and the metadata blobs are only ever mutated through the scripts
// below. Each script runs atomically on the store, which is what upholds the
// one-entry-one-blob invariant under concurrent pods.

// enqueueScript adds a player to the queue iff it is not queued yet and
// stores the metadata blob along with it.
// KEYS[1] = queue key, ARGV = [player_id, score, metadata_json].
// Returns {added 0|1, queue size}.
var enqueueScript = redis.NewScript(`
local queue = KEYS[1]
local player = ARGV[1]
local score = tonumber(ARGV[2])
local metadata = ARGV[3]
if metadata == nil or metadata == '' then
  return redis.error_reply('empty metadata')
end
local added = redis.call('ZADD', queue, 'NX', score, player)
if added == 1 then
  redis.call('SET', 'metadata:' .. player, metadata)
end
local size = redis.call('ZCARD', queue)
return {added, size}
`)

// dequeueScript removes a player and its metadata blob. Removing an absent
// player is a no-op.
// KEYS[1] = queue key, ARGV = [player_id].
// Returns {removed 0|1, queue size}.
var dequeueScript = redis.NewScript(`
local queue = KEYS[1]
local player = ARGV[1]
local removed = redis.call('ZREM', queue, player)
if removed == 1 then
  redis.call('DEL', 'metadata:' .. player)
end
local size = redis.call('ZCARD', queue)
return {removed, size}
`)

// popBatchScript pops up to batch_size players in score order together with
// their metadata blobs. Entries missing a blob are reported with '{}' so the
// caller can classify them as poisoned.
// KEYS[1] = queue key, ARGV = [batch_size].
// Returns a flat list of (player_id, score, metadata) triples.
var popBatchScript = redis.NewScript(`
local queue = KEYS[1]
local batch = tonumber(ARGV[1])
local result = {}
if batch <= 0 then
  return result
end
local members = redis.call('ZRANGE', queue, 0, batch - 1, 'WITHSCORES')
local i = 1
while i < #members do
  local player = members[i]
  local score = members[i + 1]
  redis.call('ZREM', queue, player)
  local metadata = redis.call('GET', 'metadata:' .. player)
  redis.call('DEL', 'metadata:' .. player)
  if not metadata then
    metadata = '{}'
  end
  result[#result + 1] = player
  result[#result + 1] = score
  result[#result + 1] = metadata
  i = i + 2
end
return result
`)

// sessionCreateScript stores a loading session document and indexes it for
// the sweeper under its expiry deadline.
// KEYS = [sessions index key, session key], ARGV = [deadline_ms, session_json].
var sessionCreateScript = redis.NewScript(`
local sessions = KEYS[1]
local sessionKey = KEYS[2]
local deadline = tonumber(ARGV[1])
redis.call('SET', sessionKey, ARGV[2])
redis.call('ZADD', sessions, deadline, sessionKey)
return 1
`)

// sessionReadyScript flips the ready flag of one participant.
// KEYS[1] = session key, ARGV = [player_id].
// Returns {ready count, participant count}, {-1,-1} when the session is gone
// and {-2,-2} when the player does not belong to it.
var sessionReadyScript = redis.NewScript(`
local sessionKey = KEYS[1]
local player = ARGV[1]
local raw = redis.call('GET', sessionKey)
if not raw then
  return {-1, -1}
end
local doc = cjson.decode(raw)
local found = 0
local ready = 0
for _, p in ipairs(doc['players']) do
  if p['player_id'] == player then
    p['ready'] = true
    found = 1
  end
  if p['ready'] then
    ready = ready + 1
  end
end
if found == 0 then
  return {-2, -2}
end
redis.call('SET', sessionKey, cjson.encode(doc))
return {ready, #doc['players']}
`)

// sessionClaimScript hands a fully confirmed session to exactly one caller.
// The document is deleted on success, so racing acknowledgements cannot both
// trigger the battle.
// KEYS = [session key, sessions index key].
// Returns the session document, or nil when it is gone or not ready yet.
var sessionClaimScript = redis.NewScript(`
local sessionKey = KEYS[1]
local sessions = KEYS[2]
local raw = redis.call('GET', sessionKey)
if not raw then
  return false
end
local doc = cjson.decode(raw)
local ready = 0
for _, p in ipairs(doc['players']) do
  if p['ready'] then
    ready = ready + 1
  end
end
if ready < #doc['players'] then
  return false
end
redis.call('DEL', sessionKey)
redis.call('ZREM', sessions, sessionKey)
return raw
`)

// sessionCancelScript deletes a loading session and re-enqueues every
// remaining participant with a fresh score. The canceller is not requeued.
// KEYS = [session key, sessions index key], ARGV = [canceller_id, now_ms].
// Returns a flat list of (player_id, pod_id) pairs for the requeued players.
var sessionCancelScript = redis.NewScript(`
local sessionKey = KEYS[1]
local sessions = KEYS[2]
local canceller = ARGV[1]
local now = tonumber(ARGV[2])
local raw = redis.call('GET', sessionKey)
redis.call('ZREM', sessions, sessionKey)
if not raw then
  return {}
end
local doc = cjson.decode(raw)
redis.call('DEL', sessionKey)
local queue = 'queue:' .. doc['mode']
local requeued = {}
for _, p in ipairs(doc['players']) do
  if p['player_id'] ~= canceller then
    local added = redis.call('ZADD', queue, 'NX', now, p['player_id'])
    if added == 1 then
      redis.call('SET', 'metadata:' .. p['player_id'], p['metadata'])
      requeued[#requeued + 1] = p['player_id']
      requeued[#requeued + 1] = p['pod_id']
    end
  end
end
return requeued
`)

// sessionSweepScript cancels every loading session whose deadline passed and
// re-enqueues all of their participants.
// KEYS[1] = sessions index key, ARGV = [now_ms].
// Returns a flat list of (player_id, pod_id) pairs for the requeued players.
var sessionSweepScript = redis.NewScript(`
local sessions = KEYS[1]
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', sessions, '-inf', now)
local requeued = {}
for _, sessionKey in ipairs(expired) do
  local raw = redis.call('GET', sessionKey)
  redis.call('ZREM', sessions, sessionKey)
  if raw then
    local doc = cjson.decode(raw)
    redis.call('DEL', sessionKey)
    local queue = 'queue:' .. doc['mode']
    for _, p in ipairs(doc['players']) do
      local added = redis.call('ZADD', queue, 'NX', now, p['player_id'])
      if added == 1 then
        redis.call('SET', 'metadata:' .. p['player_id'], p['metadata'])
        requeued[#requeued + 1] = p['player_id']
        requeued[#requeued + 1] = p['pod_id']
      end
    end
  end
end
return requeued
`)
