package orchestrator

import "fmt"

const (
	replyApology            = "Sorry, I'm having trouble reaching our systems right now. Please try again in a moment."
	replyOutOfScope         = "I can help with billing questions, your account, and service requests. Could you tell me a bit more about what you need?"
	replyAskIdentity        = "I can help with that, but first I need to verify your identity. Please share the email address, phone number or account number on file."
	replyUnknownIdentity    = "I couldn't find an account matching that. Please try the email address, phone number or account number on file."
	replyFactorAccepted     = "Thanks, that matches."
	replyVerified           = "Thanks, you're verified. What would you like to know about your account?"
	replyVerifiedResuming   = "Thanks, you're verified."
	replyLockedOut          = "For your security, identity verification is locked after too many incorrect answers. A support agent can unlock it for you; just ask to speak with a representative."
	replyAuthRestart        = "Something went wrong while verifying your identity, so let's start over. What can I help you with?"
	replyEscalated          = "I've passed your conversation to our support team (ticket %s). An agent will reply here as soon as possible."
	replyEscalationPending  = "Your request is with our support team (ticket %s). An agent will reply here shortly."
	replyEscalationFailed   = "I wasn't able to reach our support team just now. Please try again in a few minutes."
	replyHandoffDelayed     = "Our support team is taking longer than usual to respond. Your request has been recorded and someone will follow up with you."
	replyHandoffCancelled   = "Your support request was closed before an agent could reply. Feel free to ask again if you still need help."
	replyHandoffAgentPrefix = "Support agent: "
)

func wrongAnswerPrefix(remaining int) string {
	if remaining == 1 {
		return "That doesn't match our records. You have 1 attempt left."
	}
	return fmt.Sprintf("That doesn't match our records. You have %d attempts left.", remaining)
}

func joinReply(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}
