package database

// Inbox ledger query templates. The %s placeholder is the per-channel table
// name, which is always resolved through inboxTable and never caller input.
const (
	insertInboxQueryTpl = `
		INSERT OR IGNORE INTO %s (
			id, platform_id, message_id, from_user, sender_name, msg_type,
			content, raw_payload, status, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
	`

	selectInboxByIDQueryTpl = `
		SELECT id, platform_id, message_id, from_user, sender_name, msg_type,
			   content, raw_payload, ai_reply, status, error_message, retry_count,
			   received_at, fetched_at, processed_at
		FROM %s
		WHERE id = ?
	`

	selectPendingInboxQueryTpl = `
		SELECT id, platform_id, message_id, from_user, sender_name, msg_type,
			   content, raw_payload, ai_reply, status, error_message, retry_count,
			   received_at, fetched_at, processed_at
		FROM %s
		WHERE platform_id = ? AND status = 'pending'
		ORDER BY fetched_at ASC
		LIMIT ?
	`

	selectRetryableInboxQueryTpl = `
		SELECT id, platform_id, message_id, from_user, sender_name, msg_type,
			   content, raw_payload, ai_reply, status, error_message, retry_count,
			   received_at, fetched_at, processed_at
		FROM %s
		WHERE platform_id = ? AND status = 'failed' AND retry_count < ?
		ORDER BY fetched_at ASC
		LIMIT ?
	`

	claimInboxQueryTpl = `
		UPDATE %s
		SET status = 'processing', error_message = NULL
		WHERE id = ? AND status IN ('pending', 'failed')
	`

	completeInboxQueryTpl = `
		UPDATE %s
		SET status = 'completed', ai_reply = ?, error_message = NULL,
		    processed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	failInboxQueryTpl = `
		UPDATE %s
		SET status = 'failed', error_message = ?, retry_count = retry_count + 1,
		    processed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	countInboxByStatusQueryTpl = `
		SELECT status, COUNT(*)
		FROM %s
		WHERE platform_id = ?
		GROUP BY status
	`

	stalePendingCountQueryTpl = `
		SELECT COUNT(*)
		FROM %s
		WHERE status = 'pending' AND fetched_at <= datetime('now', ?)
	`
)

// Waiting queue queries
const (
	insertQueueEntryQuery = `
		INSERT INTO waiting_queue (
			id, project_id, visitor_id, session_id, channel_id, channel_type,
			source, urgency, priority, position, reason, status, expired_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM waiting_queue WHERE project_id = ?),
			?, 'waiting',
			datetime('now', '+' || COALESCE(
				(SELECT queue_wait_timeout_minutes FROM assignment_rules WHERE project_id = ?),
				?) || ' minutes'))
	`

	queueEntryColumns = `
		id, project_id, visitor_id, session_id, channel_id, channel_type,
		source, urgency, priority, position, reason, status,
		attempt_count, last_attempt_at, entered_at, assigned_at, exited_at,
		expired_at, assigned_staff_id
	`

	selectQueueEntryByIDQuery = `
		SELECT ` + queueEntryColumns + `
		FROM waiting_queue
		WHERE id = ?
	`

	selectActiveQueueEntryQuery = `
		SELECT ` + queueEntryColumns + `
		FROM waiting_queue
		WHERE project_id = ? AND visitor_id = ? AND status = 'waiting'
	`

	selectWaitingBatchQuery = `
		SELECT ` + queueEntryColumns + `
		FROM waiting_queue
		WHERE project_id = ? AND status = 'waiting'
		  AND expired_at > datetime('now')
		ORDER BY priority DESC, position ASC
		LIMIT ?
	`

	selectStaleWaitingQuery = `
		SELECT ` + queueEntryColumns + `
		FROM waiting_queue
		WHERE status = 'waiting'
		  AND (last_attempt_at IS NULL OR last_attempt_at < datetime('now', '-' || ? || ' seconds'))
		  AND expired_at > datetime('now')
		ORDER BY entered_at ASC
		LIMIT ?
	`

	selectExpiredWaitingQuery = `
		SELECT ` + queueEntryColumns + `
		FROM waiting_queue
		WHERE status = 'waiting' AND expired_at <= datetime('now')
		ORDER BY entered_at ASC
		LIMIT ?
	`

	markQueueAssignedQuery = `
		UPDATE waiting_queue
		SET status = 'assigned', assigned_staff_id = ?, session_id = ?,
		    assigned_at = CURRENT_TIMESTAMP, exited_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'waiting'
	`

	markQueueCancelledQuery = `
		UPDATE waiting_queue
		SET status = 'cancelled', exited_at = CURRENT_TIMESTAMP,
		    reason = COALESCE(NULLIF(?, ''), reason)
		WHERE id = ? AND status = 'waiting'
	`

	markQueueExpiredQuery = `
		UPDATE waiting_queue
		SET status = 'expired', exited_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'waiting'
	`

	recordAttemptQuery = `
		UPDATE waiting_queue
		SET attempt_count = attempt_count + 1, last_attempt_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	countQueueByStatusQuery = `
		SELECT status, COUNT(*)
		FROM waiting_queue
		WHERE project_id = ?
		GROUP BY status
	`

	countWaitingAheadQuery = `
		SELECT COUNT(*)
		FROM waiting_queue
		WHERE project_id = ? AND status = 'waiting'
		  AND (priority > ? OR (priority = ? AND position < ?))
	`
)

// Visitor directory queries
const (
	upsertVisitorQuery = `
		INSERT INTO visitors (
			id, project_id, channel_type, external_id, display_name, avatar_url, status
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, channel_type, external_id)
		DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), display_name),
			avatar_url = COALESCE(NULLIF(excluded.avatar_url, ''), avatar_url),
			updated_at = CURRENT_TIMESTAMP
	`

	selectVisitorByIDQuery = `
		SELECT id, project_id, channel_type, external_id, display_name, avatar_url,
			   status, created_at, updated_at
		FROM visitors
		WHERE id = ?
	`

	selectVisitorByExternalIDQuery = `
		SELECT id, project_id, channel_type, external_id, display_name, avatar_url,
			   status, created_at, updated_at
		FROM visitors
		WHERE project_id = ? AND channel_type = ? AND external_id = ?
	`

	updateVisitorStatusQuery = `
		UPDATE visitors
		SET status = ?
		WHERE id = ?
	`
)

// Staff queries
const (
	upsertStaffQuery = `
		INSERT INTO staff (
			id, project_id, display_name, is_active, service_paused, max_concurrent
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id)
		DO UPDATE SET display_name = excluded.display_name,
			is_active = excluded.is_active,
			service_paused = excluded.service_paused,
			max_concurrent = excluded.max_concurrent
	`

	selectStaffByIDQuery = `
		SELECT id, project_id, display_name, is_active, service_paused,
			   max_concurrent, last_assigned_at
		FROM staff
		WHERE id = ?
	`

	selectAvailableStaffQuery = `
		SELECT id, project_id, display_name, is_active, service_paused,
			   max_concurrent, last_assigned_at
		FROM staff
		WHERE project_id = ? AND is_active = 1 AND service_paused = 0
		ORDER BY last_assigned_at ASC, id ASC
	`

	touchStaffAssignedQuery = `
		UPDATE staff
		SET last_assigned_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
)

// Session queries
const (
	insertSessionQuery = `
		INSERT INTO sessions (id, project_id, visitor_id, staff_id, source, status)
		VALUES (?, ?, ?, ?, ?, 'active')
	`

	selectSessionByIDQuery = `
		SELECT id, project_id, visitor_id, staff_id, source, status, started_at, closed_at
		FROM sessions
		WHERE id = ?
	`

	closeSessionQuery = `
		UPDATE sessions
		SET status = 'closed', closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active'
	`

	countActiveSessionsByStaffQuery = `
		SELECT COUNT(*)
		FROM sessions
		WHERE staff_id = ? AND status = 'active'
	`

	selectActiveSessionByVisitorQuery = `
		SELECT id, project_id, visitor_id, staff_id, source, status, started_at, closed_at
		FROM sessions
		WHERE visitor_id = ? AND status = 'active'
		ORDER BY started_at DESC
		LIMIT 1
	`
)

// Assignment rule queries
const (
	upsertAssignmentRuleQuery = `
		INSERT INTO assignment_rules (project_id, queue_wait_timeout_minutes, is_enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id)
		DO UPDATE SET queue_wait_timeout_minutes = excluded.queue_wait_timeout_minutes,
			is_enabled = excluded.is_enabled
	`

	selectAssignmentRuleQuery = `
		SELECT project_id, queue_wait_timeout_minutes, is_enabled, created_at, updated_at
		FROM assignment_rules
		WHERE project_id = ?
	`
)

// Channel cursor queries
const (
	upsertChannelCursorQuery = `
		INSERT INTO channel_cursors (channel, platform_id, cursor, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel, platform_id)
		DO UPDATE SET cursor = excluded.cursor, updated_at = CURRENT_TIMESTAMP
	`

	selectChannelCursorQuery = `
		SELECT cursor
		FROM channel_cursors
		WHERE channel = ? AND platform_id = ?
	`
)
