package policy

import "github.com/clawinfra/opsclaw/internal/types"

// safetyTable is the client-side action floor per environment. It is fixed,
// not configuration: even a misconfigured governance layer cannot widen what
// the service may order in prod. Governance applies its own (configurable)
// allowlist later; both must pass.
var safetyTable = map[types.Env]map[types.Action]bool{
	types.EnvProd: {
		types.ActionNoop: true,
	},
	types.EnvStage: {
		types.ActionNoop:    true,
		types.ActionRestart: true,
	},
	types.EnvDev: {
		types.ActionNoop:      true,
		types.ActionRestart:   true,
		types.ActionScaleUp:   true,
		types.ActionScaleDown: true,
	},
}

// SafeInEnv reports whether the safety table permits action in env.
func SafeInEnv(env types.Env, action types.Action) bool {
	return safetyTable[env][action]
}

// sanitize turns a raw service answer into a safe Response. Out-of-range
// action indexes become noop (invalid_response); in-range actions the safety
// table forbids become noop (unsafe_action_refused); confidence is clamped
// to [0,1].
func sanitize(env types.Env, raw rawResponse) Response {
	resp := Response{Confidence: raw.Confidence}

	action, err := types.ActionFromIndex(raw.Action)
	if err != nil {
		resp.Action = types.ActionNoop
		resp.Sanitized = true
		resp.Reason = "invalid_response"
	} else if !SafeInEnv(env, action) {
		resp.Action = types.ActionNoop
		resp.Sanitized = true
		resp.Reason = "unsafe_action_refused"
	} else {
		resp.Action = action
	}

	if resp.Confidence < 0 {
		resp.Confidence = 0
		if !resp.Sanitized {
			resp.Sanitized = true
			resp.Reason = "invalid_confidence"
		}
	} else if resp.Confidence > 1 {
		resp.Confidence = 1
		if !resp.Sanitized {
			resp.Sanitized = true
			resp.Reason = "invalid_confidence"
		}
	}
	return resp
}
