package forge

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

////////////////////////////////////////////////////////////////////////////////
// Cluster SSH key material
////////////////////////////////////////////////////////////////////////////////

const clusterSSHKeyBits = 4096

// generateClusterSSHKeyPair returns a PEM private key and the matching
// authorized_keys line. Every node booted from the same image trusts the
// pair, which is what makes mpirun fan-out work without interaction.
func generateClusterSSHKeyPair() ([]byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, clusterSSHKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:    "RSA PRIVATE KEY",
		Headers: nil,
		Bytes:   x509.MarshalPKCS1PrivateKey(key),
	})
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ssh public key: %w", err)
	}
	return privPEM, ssh.MarshalAuthorizedKey(pub), nil
}

func writeClusterSSHKeyArtifacts(artifacts ArtifactStore, recipeID string) ([]string, error) {
	privPEM, pubLine, err := generateClusterSSHKeyPair()
	if err != nil {
		return nil, err
	}
	privPath, err := artifacts.WriteFile(recipeID, "ssh/cluster_id_rsa", privPEM)
	if err != nil {
		return nil, err
	}
	pubPath, err := artifacts.WriteFile(recipeID, "ssh/cluster_id_rsa.pub", pubLine)
	if err != nil {
		return []string{privPath}, err
	}
	return []string{privPath, pubPath}, nil
}
