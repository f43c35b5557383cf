package steamcm

import "fmt"

// EMsg identifies Steam CM message types.
type EMsg uint32

const (
	EMsgMulti                           EMsg = 1
	EMsgServiceMethodResponse           EMsg = 147
	EMsgServiceMethodCallFromClient     EMsg = 151
	EMsgClientHeartBeat                 EMsg = 703
	EMsgClientLogOff                    EMsg = 706
	EMsgClientLogOnResponse             EMsg = 751
	EMsgClientLoggedOff                 EMsg = 757
	EMsgClientLicenseList               EMsg = 768
	EMsgClientLogon                     EMsg = 5514
	EMsgClientGetDepotDecryptionKey     EMsg = 5967
	EMsgClientGetDepotDecryptionKeyResp EMsg = 5968
	EMsgClientPICSProductInfoRequest    EMsg = 8903
	EMsgClientPICSProductInfoResponse   EMsg = 8904
	EMsgClientPICSAccessTokenRequest    EMsg = 8905
	EMsgClientPICSAccessTokenResponse   EMsg = 8906
	EMsgClientHello                     EMsg = 9805
)

const ProtoMask uint32 = 0x80000000
const ProtoVersion uint32 = 65581

var emsgNames = map[EMsg]string{
	EMsgMulti:                           "Multi",
	EMsgServiceMethodResponse:           "ServiceMethodResponse",
	EMsgServiceMethodCallFromClient:     "ServiceMethodCallFromClient",
	EMsgClientHeartBeat:                 "ClientHeartBeat",
	EMsgClientLogOff:                    "ClientLogOff",
	EMsgClientLogOnResponse:             "ClientLogOnResponse",
	EMsgClientLoggedOff:                 "ClientLoggedOff",
	EMsgClientLicenseList:               "ClientLicenseList",
	EMsgClientLogon:                     "ClientLogon",
	EMsgClientGetDepotDecryptionKey:     "ClientGetDepotDecryptionKey",
	EMsgClientGetDepotDecryptionKeyResp: "ClientGetDepotDecryptionKeyResponse",
	EMsgClientPICSProductInfoRequest:    "ClientPICSProductInfoRequest",
	EMsgClientPICSProductInfoResponse:   "ClientPICSProductInfoResponse",
	EMsgClientPICSAccessTokenRequest:    "ClientPICSAccessTokenRequest",
	EMsgClientPICSAccessTokenResponse:   "ClientPICSAccessTokenResponse",
	EMsgClientHello:                     "ClientHello",
}

func (e EMsg) String() string {
	if name, ok := emsgNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EMsg(%d)", uint32(e))
}
