package codec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// yaml packet encoding. Marshalling goes through yaml.v3 directly
// ([]byte becomes a !!binary scalar); decoding walks the node tree so
// that binary scalars come back as []byte instead of strings.

func yamlEncode(p Packet) ([]byte, error) {
	norm, err := yamlNormalize([]any(p))
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(norm)
}

func yamlNormalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int, int64, uint64, float64, string, []byte:
		return x, nil
	case Packet:
		return yamlNormalize([]any(x))
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := yamlNormalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := yamlNormalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("yaml: unsupported type %T", v)
	}
}

func yamlDecode(data []byte) (Packet, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 {
		return nil, fmt.Errorf("yaml: unexpected document structure")
	}
	v, err := yamlNode(root.Content[0])
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("yaml: packet is %T, not a list", v)
	}
	return Packet(list), nil
}

func yamlNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, err := yamlNode(n.Content[i])
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: map key is %T, not a string", k)
			}
			v, err := yamlNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	case yaml.ScalarNode:
		return yamlScalar(n)
	case yaml.AliasNode:
		return yamlNode(n.Alias)
	}
	return nil, fmt.Errorf("yaml: unsupported node kind %d", n.Kind)
}

func yamlScalar(n *yaml.Node) (any, error) {
	switch n.Tag {
	case "!!binary":
		raw, err := base64.StdEncoding.DecodeString(
			strings.Map(dropSpace, n.Value))
		if err != nil {
			return nil, fmt.Errorf("yaml: bad binary scalar: %w", err)
		}
		return raw, nil
	case "!!int":
		if i, err := strconv.ParseInt(n.Value, 0, 64); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(n.Value, 0, 64); err == nil {
			return u, nil
		}
		return nil, fmt.Errorf("yaml: bad integer %q", n.Value)
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return nil, fmt.Errorf("yaml: bad bool %q", n.Value)
		}
		return b, nil
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("yaml: bad float %q", n.Value)
		}
		return f, nil
	case "!!null":
		return nil, nil
	default:
		return n.Value, nil
	}
}

func dropSpace(r rune) rune {
	if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
		return -1
	}
	return r
}
