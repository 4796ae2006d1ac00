package domain

// WalletImage holds icon URLs of a wallet at several sizes.
type WalletImage struct {
	Default string `json:"default" yaml:"default" toml:"default"`
	Sm      string `json:"sm,omitempty" yaml:"sm" toml:"sm"`
	Md      string `json:"md,omitempty" yaml:"md" toml:"md"`
	Lg      string `json:"lg,omitempty" yaml:"lg" toml:"lg"`
}

// Deeplink is how a wallet app is opened on one platform.
type Deeplink struct {
	Native    string `json:"native,omitempty" yaml:"native" toml:"native"`
	Universal string `json:"universal,omitempty" yaml:"universal" toml:"universal"`
}

// WalletMetadata is one entry of the relay's wallet registry.
type WalletMetadata struct {
	Slug        string      `json:"slug" yaml:"slug" toml:"slug"`
	Name        string      `json:"name" yaml:"name" toml:"name"`
	Description string      `json:"description,omitempty" yaml:"description" toml:"description"`
	Homepage    string      `json:"homepage,omitempty" yaml:"homepage" toml:"homepage"`
	Chains      []string    `json:"chains" yaml:"chains" toml:"chains"`
	Version     string      `json:"version,omitempty" yaml:"version" toml:"version"`
	WalletType  string      `json:"walletType,omitempty" yaml:"wallet_type" toml:"wallet_type"`
	Image       WalletImage `json:"image" yaml:"image" toml:"image"`
	Mobile      *Deeplink   `json:"mobile,omitempty" yaml:"mobile" toml:"mobile"`
	Desktop     *Deeplink   `json:"desktop,omitempty" yaml:"desktop" toml:"desktop"`
}
