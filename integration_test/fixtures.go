package integration_test

import (
	"fmt"
	"time"

	"deskrelay/internal/models"
)

const (
	testProject      = "proj-desk"
	dingtalkPlatform = "bot-main"
	feishuPlatform   = "cli_main"
	wecomPlatform    = "wk_main"
	emailPlatform    = "support@example.test"
)

// MessageScenario pairs an inbound record template with the responder
// decision that should answer it. Tests stage a copy of the record and give
// it a fresh message ID, the ledger templates here stay untouched.
type MessageScenario struct {
	Record    models.InboxRecord
	Responder models.ResponderResult
}

// TestFixtures provides the channel configuration and canned inbound
// messages the integration environment runs on.
type TestFixtures struct{}

// NewTestFixtures creates the fixture set
func NewTestFixtures() *TestFixtures {
	return &TestFixtures{}
}

// Channels returns one valid channel per webhook vendor, all bound to the
// same project. Email stays out because its transport needs a live mailbox;
// its ledger is still exercised through direct staging.
func (f *TestFixtures) Channels() []models.ChannelConfig {
	return []models.ChannelConfig{
		{
			Kind:       models.ChannelDingTalk,
			PlatformID: dingtalkPlatform,
			ProjectID:  testProject,
			DingTalk: &models.DingTalkConfig{
				AppKey:    "ding-test-key",
				AppSecret: "ding-test-secret",
			},
		},
		{
			Kind:       models.ChannelFeishu,
			PlatformID: feishuPlatform,
			ProjectID:  testProject,
			Feishu: &models.FeishuConfig{
				AppID:             feishuPlatform,
				AppSecret:         "feishu-test-secret",
				VerificationToken: "feishu-test-token",
			},
		},
		{
			Kind:       models.ChannelWecom,
			PlatformID: wecomPlatform,
			ProjectID:  testProject,
			Wecom: &models.WecomConfig{
				CorpID:   "ww-test-corp",
				Secret:   "wecom-test-secret",
				Token:    "wecom-test-token",
				AESKey:   "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY",
				OpenKfID: wecomPlatform,
			},
		},
	}
}

// Scenarios returns the canned inbound messages keyed by name. Raw payloads
// carry the vendor fields the reply context extraction looks for.
func (f *TestFixtures) Scenarios() map[string]MessageScenario {
	received := time.Now().Add(-1 * time.Minute)

	return map[string]MessageScenario{
		"dingtalk_text": {
			Record: models.InboxRecord{
				Channel:    models.ChannelDingTalk,
				PlatformID: dingtalkPlatform,
				FromUser:   "dd-user-7",
				SenderName: "Wei Chen",
				MsgType:    "text",
				Content:    "What are your opening hours?",
				RawPayload: `{"msgId":"dd-raw-1","conversationId":"cid-7001","conversationType":"1","senderStaffId":"dd-user-7","senderNick":"Wei Chen","sessionWebhook":"https://oapi.dingtalk.com/robot/sendBySession?session=abc123","text":{"content":"What are your opening hours?"}}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{
				Reply: "We are open weekdays from nine to six.",
			},
		},
		"feishu_text": {
			Record: models.InboxRecord{
				Channel:    models.ChannelFeishu,
				PlatformID: feishuPlatform,
				FromUser:   "ou_visitor_42",
				SenderName: "Mori",
				MsgType:    "text",
				Content:    "Can I change my delivery address?",
				RawPayload: `{"event":{"sender":{"sender_id":{"open_id":"ou_visitor_42"}},"message":{"message_id":"om_fs_raw_1","chat_id":"oc_chat_42","chat_type":"p2p","message_type":"text","content":"{\"text\":\"Can I change my delivery address?\"}"}}}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{
				Reply: "Sure, send the new address and I will update the order.",
			},
		},
		"wecom_text": {
			Record: models.InboxRecord{
				Channel:    models.ChannelWecom,
				PlatformID: wecomPlatform,
				FromUser:   "wm_visitor_11",
				MsgType:    "text",
				Content:    "My order arrived damaged.",
				RawPayload: `{"msgid":"wc-raw-1","open_kfid":"wk_main","external_userid":"wm_visitor_11","msgtype":"text","text":{"content":"My order arrived damaged."}}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{
				Reply: "Sorry about that, I can arrange a replacement.",
			},
		},
		"email_text": {
			Record: models.InboxRecord{
				Channel:    models.ChannelEmail,
				PlatformID: emailPlatform,
				FromUser:   "dana@example.test",
				SenderName: "Dana",
				MsgType:    "text",
				Content:    "Requesting a refund for order 8842.",
				RawPayload: `{"from":"dana@example.test","subject":"Refund request","message_id":"<em-raw-1@example.test>","references":["<root@example.test>"]}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{
				Reply: "I have opened a refund case for order 8842.",
			},
		},
		"handoff_request": {
			Record: models.InboxRecord{
				Channel:    models.ChannelDingTalk,
				PlatformID: dingtalkPlatform,
				FromUser:   "dd-user-9",
				SenderName: "Lin",
				MsgType:    "text",
				Content:    "I need to talk to a real person.",
				RawPayload: `{"msgId":"dd-raw-2","conversationId":"cid-7002","senderStaffId":"dd-user-9","senderNick":"Lin","sessionWebhook":"https://oapi.dingtalk.com/robot/sendBySession?session=def456","text":{"content":"I need to talk to a real person."}}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{
				Reply:         "Connecting you with an agent now.",
				Handoff:       true,
				HandoffReason: "visitor asked for an agent",
			},
		},
		"silent_decision": {
			Record: models.InboxRecord{
				Channel:    models.ChannelFeishu,
				PlatformID: feishuPlatform,
				FromUser:   "ou_visitor_43",
				MsgType:    "text",
				Content:    "ok thanks",
				RawPayload: `{"event":{"sender":{"sender_id":{"open_id":"ou_visitor_43"}},"message":{"message_id":"om_fs_raw_2","chat_id":"oc_chat_43","chat_type":"p2p","message_type":"text","content":"{\"text\":\"ok thanks\"}"}}}`,
				ReceivedAt: &received,
			},
			Responder: models.ResponderResult{},
		},
	}
}

// uniqueMessageID returns a message ID that cannot collide across test runs
func uniqueMessageID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
