package postgres

const jobColumns = `id, owner_id, provider_id, status, payload, result, error_reason, created_at, started_at, terminal_at`

const queryInsertJob = `
INSERT INTO generation_jobs (id, owner_id, provider_id, status, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM generation_jobs
WHERE id = $1
`

// queryTransitionJob is a compare-and-set on status. started_at is only
// set when entering running; result, error_reason and terminal_at only on
// terminal states.
const queryTransitionJob = `
UPDATE generation_jobs
SET status       = $3,
    started_at   = CASE WHEN $3 = 'running' THEN $4 ELSE started_at END,
    terminal_at  = CASE WHEN $3 IN ('succeeded', 'failed') THEN $4 ELSE terminal_at END,
    result       = CASE WHEN $3 IN ('succeeded', 'failed') THEN $5::jsonb ELSE result END,
    error_reason = CASE WHEN $3 IN ('succeeded', 'failed') THEN $6 ELSE error_reason END
WHERE id = $1 AND status = $2
RETURNING ` + jobColumns

// queryFailStuckJobs uses SKIP LOCKED so concurrent sweeps never block on,
// or double-fail, the same rows.
const queryFailStuckJobs = `
UPDATE generation_jobs
SET status = 'failed', error_reason = $3, terminal_at = $2
WHERE id IN (
    SELECT id FROM generation_jobs
    WHERE (status = 'running' AND started_at < $1)
       OR (status = 'queued' AND created_at < $1)
    ORDER BY created_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

const queryPutSubscription = `
INSERT INTO webhook_subscriptions (id, owner_id, url, secret, events, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET url = EXCLUDED.url, secret = EXCLUDED.secret, events = EXCLUDED.events
`

const queryGetSubscription = `
SELECT id, owner_id, url, secret, events, created_at
FROM webhook_subscriptions
WHERE id = $1
`

const queryListSubscriptions = `
SELECT id, owner_id, url, secret, events, created_at
FROM webhook_subscriptions
WHERE owner_id = $1
ORDER BY created_at
`

const queryDeleteSubscription = `
DELETE FROM webhook_subscriptions WHERE id = $1 AND owner_id = $2
`

const queryInsertDeliveryAttempt = `
INSERT INTO webhook_delivery_attempts
    (id, delivery_id, subscription_id, event_type, job_id, attempt, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryEnsureQuota = `
INSERT INTO quota_records (user_id, daily_limit, concurrent_limit, reset_boundary)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO NOTHING
`

const queryLockQuota = `
SELECT user_id, concurrent_count, daily_used, daily_limit, concurrent_limit, reset_boundary
FROM quota_records
WHERE user_id = $1
FOR UPDATE
`

const queryGetQuota = `
SELECT user_id, concurrent_count, daily_used, daily_limit, concurrent_limit, reset_boundary
FROM quota_records
WHERE user_id = $1
`

const queryUpdateQuotaUsage = `
UPDATE quota_records
SET concurrent_count = $2, daily_used = $3, reset_boundary = $4
WHERE user_id = $1
`

const queryReleaseQuota = `
UPDATE quota_records
SET concurrent_count = GREATEST(concurrent_count - 1, 0)
WHERE user_id = $1
`

const querySetQuotaLimits = `
INSERT INTO quota_records (user_id, daily_limit, concurrent_limit, reset_boundary)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE
SET daily_limit = EXCLUDED.daily_limit, concurrent_limit = EXCLUDED.concurrent_limit
`
