package provision

import (
	"os"

	C "github.com/sagernet/sing-vpn/constant"
)

func serviceErrorPath() string {
	return C.BasePath(C.ServiceErrorName)
}

func ClearServiceError() {
	os.Remove(serviceErrorPath())
}

// ReadServiceError returns and consumes the last recorded fatal error.
func ReadServiceError() (string, error) {
	data, err := os.ReadFile(serviceErrorPath())
	if err == nil {
		os.Remove(serviceErrorPath())
	}
	return string(data), err
}

func WriteServiceError(message string) error {
	errorFile, err := os.Create(serviceErrorPath())
	if err != nil {
		return err
	}
	_, err = errorFile.WriteString(message)
	closeErr := errorFile.Close()
	if err != nil {
		return err
	}
	return closeErr
}
