package gdwatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
)

// S3CopyConfig is loaded from the --s3-copy-config flag.
// BucketName and ObjectKey serve as defaults when rules don't specify them.
// Both can be CEL expressions or static values.
//
//	bucket_name: my-bucket
//	object_key: '"snapshots/" + target + "/" + file.modifiedTime + ".pdf"'
//	rules:
//	  - when: file.mimeType.startsWith("application/vnd.google-apps")
//	    export: pdf
//	  - when: "true"
type S3CopyConfig struct {
	BucketName ExprOrString  `yaml:"bucket_name"`
	ObjectKey  ExprOrString  `yaml:"object_key"`
	Rules      []*S3CopyRule `yaml:"rules"`
}

// S3CopyRule defines when and how the watched file is copied to S3.
// Export specifies the format for Google Workspace files (e.g. "pdf", "xlsx").
type S3CopyRule struct {
	When       ExprOrBool   `yaml:"when"`
	Skip       bool         `yaml:"skip,omitempty"`
	Export     string       `yaml:"export,omitempty"`
	BucketName ExprOrString `yaml:"bucket_name,omitempty"`
	ObjectKey  ExprOrString `yaml:"object_key,omitempty"`
}

func LoadS3CopyConfig(path string, env *CELEnv) (*S3CopyConfig, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open s3 copy config file: %w", err)
	}
	defer f.Close()
	return ParseS3CopyConfig(f, env)
}

func ParseS3CopyConfig(r io.Reader, env *CELEnv) (*S3CopyConfig, error) {
	var cfg S3CopyConfig
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse s3 copy config: %w", err)
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bind validates and binds CEL expressions in the configuration.
// Rules must have a "when" expression, and non-skip rules must have
// bucket_name and object_key (either at top level or in the rule).
func (c *S3CopyConfig) Bind(env *CELEnv) error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	if err := c.BucketName.Bind(env); err != nil {
		return fmt.Errorf("bucket_name: %w", err)
	}
	if err := c.ObjectKey.Bind(env); err != nil {
		return fmt.Errorf("object_key: %w", err)
	}
	for i, rule := range c.Rules {
		if rule.When.Raw() == "" {
			return fmt.Errorf("rule[%d]: when is required", i)
		}
		if err := rule.When.Bind(env); err != nil {
			return fmt.Errorf("rule[%d].when: %w", i, err)
		}
		if err := rule.BucketName.Bind(env); err != nil {
			return fmt.Errorf("rule[%d].bucket_name: %w", i, err)
		}
		if err := rule.ObjectKey.Bind(env); err != nil {
			return fmt.Errorf("rule[%d].object_key: %w", i, err)
		}
		if rule.Skip {
			continue
		}
		if c.BucketName.Raw() == "" && rule.BucketName.Raw() == "" {
			return fmt.Errorf("rule[%d]: bucket_name is required (either at top level or in rule)", i)
		}
		if c.ObjectKey.Raw() == "" && rule.ObjectKey.Raw() == "" {
			return fmt.Errorf("rule[%d]: object_key is required (either at top level or in rule)", i)
		}
	}
	return nil
}

// Match returns the first rule matching the change, or nil.
func (c *S3CopyConfig) Match(target string, change *gdwatchevent.Change) (*S3CopyRule, error) {
	for _, rule := range c.Rules {
		matched, err := rule.When.Eval(target, change)
		if err != nil {
			return nil, err
		}
		if matched {
			return rule, nil
		}
	}
	return nil, nil
}

func (c *S3CopyConfig) GetBucketName(rule *S3CopyRule, target string, change *gdwatchevent.Change) (string, error) {
	if rule.BucketName.Raw() != "" {
		return rule.BucketName.Eval(target, change)
	}
	return c.BucketName.Eval(target, change)
}

func (c *S3CopyConfig) GetObjectKey(rule *S3CopyRule, target string, change *gdwatchevent.Change) (string, error) {
	if rule.ObjectKey.Raw() != "" {
		return rule.ObjectKey.Eval(target, change)
	}
	return c.ObjectKey.Eval(target, change)
}
