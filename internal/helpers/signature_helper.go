package helpers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ReceiptSignature signs a completed payment's identity so a receipt QR can
// be verified offline by the school office.
func ReceiptSignature(paymentID, studentID uuid.UUID, transactionID, secret string) string {
	data := fmt.Sprintf("%s:%s:%s", paymentID.String(), studentID.String(), transactionID)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func VerifyReceiptSignature(paymentID, studentID uuid.UUID, transactionID, secret, signature string) bool {
	expected := ReceiptSignature(paymentID, studentID, transactionID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
