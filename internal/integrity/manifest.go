package integrity

import "fmt"

// Validator checks a parsed protected-config payload against the shape its
// consumers rely on. Validators run before hashing so a malformed payload
// never becomes a trusted baseline.
type Validator func(payload any) error

// ManifestEntry describes one protected configuration kind.
type ManifestEntry struct {
	ID                     string
	Description            string
	ExpectedHashEnv        string
	BuiltInExpectedHash    string
	AllowTrustOnFirstLoad  bool
	RequireOperatorRelease bool
	Validate               Validator
}

// DefaultManifest returns the built-in protected-config manifest. Every
// config kind the dispatch system trusts blindly at runtime has an entry
// here; anything absent cannot be asserted.
func DefaultManifest() map[string]ManifestEntry {
	return map[string]ManifestEntry{
		"dispatch_patterns": {
			ID:                     "dispatch_patterns",
			Description:            "pattern bindings governing dispatch decisions",
			ExpectedHashEnv:        "WARDEN_HASH_DISPATCH_PATTERNS",
			AllowTrustOnFirstLoad:  false,
			RequireOperatorRelease: true,
			Validate:               validateDispatchPatterns,
		},
		"prompts": {
			ID:                    "prompts",
			Description:           "system prompt templates",
			ExpectedHashEnv:       "WARDEN_HASH_PROMPTS",
			AllowTrustOnFirstLoad: true,
			Validate:              validateStringMap,
		},
		"fallback_messages": {
			ID:                    "fallback_messages",
			Description:           "fallback response messages",
			ExpectedHashEnv:       "WARDEN_HASH_FALLBACK_MESSAGES",
			AllowTrustOnFirstLoad: true,
			Validate:              validateFallbackMessages,
		},
		"router_map": {
			ID:                     "router_map",
			Description:            "intent to route mapping",
			ExpectedHashEnv:        "WARDEN_HASH_ROUTER_MAP",
			AllowTrustOnFirstLoad:  false,
			RequireOperatorRelease: true,
			Validate:               validateStringMap,
		},
		"assistant_registry": {
			ID:                    "assistant_registry",
			Description:           "registered assistant definitions",
			ExpectedHashEnv:       "WARDEN_HASH_ASSISTANT_REGISTRY",
			AllowTrustOnFirstLoad: true,
			Validate:              validateAssistantRegistry,
		},
		"daemon_tokens": {
			ID:                     "daemon_tokens",
			Description:            "daemon authentication token references",
			ExpectedHashEnv:        "WARDEN_HASH_DAEMON_TOKENS",
			AllowTrustOnFirstLoad:  false,
			RequireOperatorRelease: true,
			Validate:               validateStringMap,
		},
		"generic_json": {
			ID:                    "generic_json",
			Description:           "uncategorized protected JSON document",
			ExpectedHashEnv:       "WARDEN_HASH_GENERIC_JSON",
			AllowTrustOnFirstLoad: true,
			Validate:              validateAnyDocument,
		},
	}
}

func validateDispatchPatterns(payload any) error {
	list, ok := payload.([]any)
	if !ok {
		if typed, isTyped := payload.([]map[string]any); isTyped {
			list = make([]any, len(typed))
			for i, v := range typed {
				list[i] = v
			}
		} else {
			return fmt.Errorf("dispatch patterns must be a list, got %T", payload)
		}
	}
	if len(list) == 0 {
		return fmt.Errorf("dispatch patterns list is empty")
	}
	seen := make(map[string]struct{}, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("pattern[%d] must be an object, got %T", i, item)
		}
		id, _ := obj["id"].(string)
		if id == "" {
			return fmt.Errorf("pattern[%d] is missing an id", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("pattern id %q duplicated", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func validateStringMap(payload any) error {
	m, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("expected an object, got %T", payload)
	}
	if len(m) == 0 {
		return fmt.Errorf("object is empty")
	}
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("key %q: expected string value, got %T", k, v)
		}
		if s == "" {
			return fmt.Errorf("key %q: value is empty", k)
		}
	}
	return nil
}

func validateFallbackMessages(payload any) error {
	if err := validateStringMap(payload); err != nil {
		return err
	}
	m := payload.(map[string]any)
	if _, ok := m["default"]; !ok {
		return fmt.Errorf("fallback messages require a \"default\" entry")
	}
	return nil
}

func validateAssistantRegistry(payload any) error {
	m, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("expected an object, got %T", payload)
	}
	for name, v := range m {
		entry, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("assistant %q: expected object, got %T", name, v)
		}
		id, _ := entry["assistant_id"].(string)
		if id == "" {
			return fmt.Errorf("assistant %q is missing assistant_id", name)
		}
	}
	return nil
}

func validateAnyDocument(payload any) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	return nil
}
