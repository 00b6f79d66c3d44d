package postgres

const queryInsertResult = `
INSERT INTO execution_results (
    execution_id, attempt, requester, name, priority, tags,
    status, error_kind, error_message, result,
    started_at, ended_at, created_at, archived_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
ON CONFLICT (execution_id, attempt) DO NOTHING
`

const queryListResults = `
SELECT execution_id, attempt, requester, name, priority, tags,
       status, error_kind, error_message, result,
       started_at, ended_at, created_at
FROM execution_results
ORDER BY ended_at DESC
LIMIT $1 OFFSET $2
`

const queryListResultsByName = `
SELECT execution_id, attempt, requester, name, priority, tags,
       status, error_kind, error_message, result,
       started_at, ended_at, created_at
FROM execution_results
WHERE name = $1
ORDER BY ended_at DESC
LIMIT $2 OFFSET $3
`

const queryDeleteBefore = `
DELETE FROM execution_results
WHERE ended_at < $1
`
